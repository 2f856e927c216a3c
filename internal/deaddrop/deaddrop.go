// Package deaddrop implements the signed, append-only batch format that
// CoverNodes publish and that users and journalists poll for new messages.
package deaddrop

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/coverdrop/coverdrop/internal/crypto"
)

// ErrChunking is returned when Data's length is not a multiple of the
// caller-specified chunk size.
var ErrChunking = errors.New("deaddrop: data length is not a multiple of chunk size")

// ErrSignatureInvalid is returned by Verify when the signature does not
// check out against any of the candidate CoverNode signing keys supplied.
var ErrSignatureInvalid = errors.New("deaddrop: signature verification failed")

// DeadDrop is one published batch. Data is the bare concatenation of N
// fixed-length ciphertexts with no inter-chunk framing; the chunk length is
// implied by the direction (user-to-journalist or journalist-to-user) and is
// not itself stored.
//
// Cert is the legacy, now-optional signature format kept only for backward
// compatibility with dead-drops published before the v2 signature scheme.
// Current verifiers never require it; see Verify.
type DeadDrop struct {
	ID        int64
	CreatedAt time.Time
	Data      []byte
	Signature [ed25519.SignatureSize]byte

	// Epoch is set for user-to-journalist dead-drops only: it records the
	// CoverNode messaging-key epoch in effect when the batch's messages
	// were re-wrapped, so a journalist client can cross-check key rotation
	// timing against its own PKI cache.
	Epoch *uint32

	// Cert is the deprecated legacy signature, present only on
	// user-to-journalist dead-drops published by older CoverNode versions.
	Cert []byte
}

// Chunks splits Data into fixed-length chunks, validating the length divides
// evenly.
func (d DeadDrop) Chunks(chunkLen int) ([][]byte, error) {
	if chunkLen <= 0 || len(d.Data)%chunkLen != 0 {
		return nil, ErrChunking
	}
	out := make([][]byte, 0, len(d.Data)/chunkLen)
	for off := 0; off < len(d.Data); off += chunkLen {
		out = append(out, d.Data[off:off+chunkLen])
	}
	return out, nil
}

// signaturePreimage builds the bytes a CoverNode signs: SHA256(data ||
// created_at_be), with an epoch suffix for user-to-journalist dead-drops.
func signaturePreimage(data []byte, createdAt time.Time, epoch *uint32) []byte {
	h := sha256.New()
	h.Write(data)
	var createdAtBE [8]byte
	binary.BigEndian.PutUint64(createdAtBE[:], uint64(createdAt.Unix()))
	h.Write(createdAtBE[:])
	if epoch != nil {
		var epochBE [4]byte
		binary.BigEndian.PutUint32(epochBE[:], *epoch)
		h.Write(epochBE[:])
	}
	return h.Sum(nil)
}

// Sign produces a DeadDrop's signature using the CoverNode's signing secret
// key. data must already be the concatenation of fixed-length ciphertext
// chunks for the appropriate direction.
func Sign(coverNode crypto.SigningKeyPair[crypto.CoverNodeId], data []byte, createdAt time.Time, epoch *uint32) DeadDrop {
	preimage := signaturePreimage(data, createdAt, epoch)
	sig := ed25519.Sign(coverNode.Secret, preimage)

	d := DeadDrop{CreatedAt: createdAt, Data: data, Epoch: epoch}
	copy(d.Signature[:], sig)
	return d
}

// Verify checks a DeadDrop's signature against every candidate CoverNode
// identity key supplied, succeeding if any one of them verifies. Multiple
// candidates matter across a key rotation: a dead-drop signed moments before
// rotation must still verify afterward. The legacy Cert field, when present,
// is never consulted — only the v2 Signature is checked, per this project's
// resolution of the "legacy U2J signature" open question (see SPEC_FULL.md).
func Verify(d DeadDrop, candidates []crypto.SignedPublicSigningKey[crypto.CoverNodeId], now time.Time) error {
	preimage := signaturePreimage(d.Data, d.CreatedAt, d.Epoch)
	for _, cand := range candidates {
		if cand.Certificate.IsNotValidAfter(now) {
			continue
		}
		if ed25519.Verify(cand.Key.Key[:], preimage, d.Signature[:]) {
			return nil
		}
	}
	return fmt.Errorf("%w: tried %d candidate keys", ErrSignatureInvalid, len(candidates))
}
