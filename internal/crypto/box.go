package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Two-party box: a standard authenticated NaCl box between a known sender
// and a known recipient. Overhead is a 24-byte nonce followed by
// box.Overhead (16 bytes of Poly1305 MAC).
const (
	twoPartyNonceLen = 24
	boxOverhead      = box.Overhead
	TwoPartyBoxOverhead = twoPartyNonceLen + boxOverhead
)

// TwoPartyBox encrypts plaintext from sender to recipient. The nonce is
// drawn fresh from the system CSPRNG and prefixed to the ciphertext, which
// is the layout every reader of a TwoPartyBox expects.
func TwoPartyBox[Recipient Role](recipientPub SignedPublicEncryptionKey[Recipient], senderSecret [PublicKeyLen]byte, plaintext []byte) ([]byte, error) {
	var nonce [twoPartyNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: two-party box nonce: %w", err)
	}

	var recipientKey, senderKey [PublicKeyLen]byte
	recipientKey = recipientPub.Key.Key
	senderKey = senderSecret

	out := make([]byte, 0, twoPartyNonceLen+len(plaintext)+boxOverhead)
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipientKey, &senderKey)
	return out, nil
}

// TwoPartyOpen decrypts a TwoPartyBox produced by TwoPartyBox, checking that
// it was sent by the holder of senderPub to the holder of recipientSecret.
func TwoPartyOpen[Sender Role](ciphertext []byte, senderPub SignedPublicEncryptionKey[Sender], recipientSecret [PublicKeyLen]byte) ([]byte, error) {
	if len(ciphertext) < twoPartyNonceLen+boxOverhead {
		return nil, ErrFailedToDecrypt
	}
	var nonce [twoPartyNonceLen]byte
	copy(nonce[:], ciphertext[:twoPartyNonceLen])

	var senderKey, recipientKey [PublicKeyLen]byte
	senderKey = senderPub.Key.Key
	recipientKey = recipientSecret

	plain, ok := box.Open(nil, ciphertext[twoPartyNonceLen:], &nonce, &senderKey, &recipientKey)
	if !ok {
		return nil, ErrFailedToDecrypt
	}
	return plain, nil
}

// Anonymous (sealed) box: overhead is an ephemeral sender public key
// followed by a standard box whose nonce is derived deterministically from
// the two public keys involved, rather than chosen at random and
// transmitted — this is what lets the envelope stay sealed-sender while
// still being exactly AnonymousBoxOverhead bytes longer than the plaintext.
// The construction mirrors libsodium's crypto_box_seal: nonce =
// BLAKE2b-24(ephemeral_pk || recipient_pk).
const AnonymousBoxOverhead = PublicKeyLen + boxOverhead

// AnonymousBox seals plaintext for recipientPub such that the ciphertext
// reveals nothing about who sent it — not even to the recipient.
func AnonymousBox[Recipient Role](recipientPub SignedPublicEncryptionKey[Recipient], plaintext []byte) ([]byte, error) {
	var ephSecret [PublicKeyLen]byte
	if _, err := rand.Read(ephSecret[:]); err != nil {
		return nil, fmt.Errorf("crypto: anonymous box ephemeral key: %w", err)
	}
	ephPubSlice, err := curve25519.X25519(ephSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: anonymous box ephemeral public key: %w", err)
	}
	var ephPub [PublicKeyLen]byte
	copy(ephPub[:], ephPubSlice)

	nonce, err := sealedBoxNonce(ephPub, recipientPub.Key.Key)
	if err != nil {
		return nil, err
	}

	var recipientKey [PublicKeyLen]byte
	recipientKey = recipientPub.Key.Key

	out := make([]byte, 0, AnonymousBoxOverhead+len(plaintext))
	out = append(out, ephPub[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipientKey, &ephSecret)
	return out, nil
}

// AnonymousOpen opens a box produced by AnonymousBox using the recipient's
// secret key.
func AnonymousOpen[Recipient Role](ciphertext []byte, recipientSecret [PublicKeyLen]byte) ([]byte, error) {
	if len(ciphertext) < AnonymousBoxOverhead {
		return nil, ErrFailedToDecrypt
	}
	var ephPub [PublicKeyLen]byte
	copy(ephPub[:], ciphertext[:PublicKeyLen])

	recipientPubSlice, err := curve25519.X25519(recipientSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive recipient public key: %w", err)
	}
	var recipientPub [PublicKeyLen]byte
	copy(recipientPub[:], recipientPubSlice)

	nonce, err := sealedBoxNonce(ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	plain, ok := box.Open(nil, ciphertext[PublicKeyLen:], &nonce, &ephPub, &recipientSecret)
	if !ok {
		return nil, ErrFailedToDecrypt
	}
	return plain, nil
}

func sealedBoxNonce(ephPub, recipientPub [PublicKeyLen]byte) ([24]byte, error) {
	var nonce [24]byte
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nonce, fmt.Errorf("crypto: sealed box nonce hash: %w", err)
	}
	_, _ = h.Write(ephPub[:])
	_, _ = h.Write(recipientPub[:])
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}

// MultiAnonymousBox seals the same plaintext independently under every key
// in recipientPubs, in order, and concatenates the results. This is what
// lets a CoverNode rotate its messaging key without a gap: a message is
// readable by any currently-valid messaging key, decided by whichever slot
// decrypts. The number of slots is fixed by the caller (protocol.
// CoverNodeWrappingKeyCount) so that the overall envelope stays constant
// size regardless of how many keys are actually live.
func MultiAnonymousBox[Recipient Role](recipientPubs []SignedPublicEncryptionKey[Recipient], plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(recipientPubs)*(AnonymousBoxOverhead+len(plaintext)))
	for _, pub := range recipientPubs {
		sealed, err := AnonymousBox(pub, plaintext)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed...)
	}
	return out, nil
}

// MultiAnonymousOpen tries each fixed-size slot of a MultiAnonymousBox in
// turn against recipientSecret, returning the first that decrypts. slotLen
// must be the exact per-slot ciphertext length (AnonymousBoxOverhead +
// plaintext length) agreed by the message type being parsed.
func MultiAnonymousOpen(ciphertext []byte, slotLen int, recipientSecret [PublicKeyLen]byte) ([]byte, error) {
	if slotLen <= 0 || len(ciphertext)%slotLen != 0 {
		return nil, ErrFailedToDecrypt
	}
	for off := 0; off+slotLen <= len(ciphertext); off += slotLen {
		plain, err := AnonymousOpen(ciphertext[off:off+slotLen], recipientSecret)
		if err == nil {
			return plain, nil
		}
	}
	return nil, ErrFailedToDecrypt
}
