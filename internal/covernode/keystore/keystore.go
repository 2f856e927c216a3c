// Package keystore manages a CoverNode's own messaging key material: the
// disk-backed vault of SignedEncryptionKeyPair[CoverNodeMessaging] secrets a
// CoverNode process needs to decrypt traffic sealed under any of its
// still-valid published keys, plus whichever candidate key it has generated
// but not yet published.
package keystore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/pki/diskformat"
)

// Keystore holds every messaging key pair a CoverNode process currently
// trusts, ordered for ranked decryption trials: the request to the
// identity/PKI orchestrator for the candidate key happens out of band (see
// internal/pki/identityapi); this package only ever reads what has already
// landed in Dir.
type Keystore struct {
	dir string

	mu    sync.RWMutex
	pairs []crypto.SignedEncryptionKeyPair[crypto.CoverNodeMessaging]
}

// New loads every messaging keypair file already present in dir. The
// directory need not exist yet; an empty keystore is valid and simply
// fails every decrypt trial until a key is provisioned into it.
func New(dir string) (*Keystore, error) {
	ks := &Keystore{dir: dir}
	if err := ks.Reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Reload re-reads every "*.keypair.json" file in the keystore directory,
// replacing the in-memory set. Call this after a rotation writes a new key
// file so a running CoverNode picks it up without a restart.
func (ks *Keystore) Reload() error {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		if os.IsNotExist(err) {
			ks.mu.Lock()
			ks.pairs = nil
			ks.mu.Unlock()
			return nil
		}
		return fmt.Errorf("keystore: read dir: %w", err)
	}

	var pairs []crypto.SignedEncryptionKeyPair[crypto.CoverNodeMessaging]
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".keypair.json") {
			continue
		}
		pair, _, err := diskformat.ReadSignedEncryptionKeyPair[crypto.CoverNodeMessaging](filepath.Join(ks.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("keystore: load %s: %w", e.Name(), err)
		}
		pairs = append(pairs, pair)
	}

	ks.mu.Lock()
	ks.pairs = pairs
	ks.mu.Unlock()
	return nil
}

// Add installs a freshly minted candidate key into the keystore and
// persists it to disk, named by its own public key prefix so it never
// collides with an existing file.
func (ks *Keystore) Add(ctx context.Context, entity string, pair crypto.SignedEncryptionKeyPair[crypto.CoverNodeMessaging]) error {
	path := filepath.Join(ks.dir, diskformat.Filename(entity, pair.KeyPair.Public.Key, diskformat.KindKeyPair))
	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return fmt.Errorf("keystore: mkdir: %w", err)
	}
	if err := diskformat.WriteSignedEncryptionKeyPair(path, entity, pair); err != nil {
		return err
	}
	ks.mu.Lock()
	ks.pairs = append(ks.pairs, pair)
	ks.mu.Unlock()
	return nil
}

// RankedSecrets returns every known messaging secret key, newest-certificate
// first, mirroring crypto.RankedByRecency's ordering but over key pairs
// instead of bare public keys (RankedByRecency cannot be reused directly
// since it only knows about SignedPublicEncryptionKey, not the secret half).
func (ks *Keystore) RankedSecrets() [][crypto.PublicKeyLen]byte {
	ks.mu.RLock()
	pairs := make([]crypto.SignedEncryptionKeyPair[crypto.CoverNodeMessaging], len(ks.pairs))
	copy(pairs, ks.pairs)
	ks.mu.RUnlock()

	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i].Certificate, pairs[j].Certificate
		if a.NotValidAfter.After(b.NotValidAfter) {
			return true
		}
		if a.NotValidAfter.Before(b.NotValidAfter) {
			return false
		}
		ak, bk := pairs[i].KeyPair.Public.Key, pairs[j].KeyPair.Public.Key
		return bytes.Compare(ak[:], bk[:]) > 0
	})

	out := make([][crypto.PublicKeyLen]byte, len(pairs))
	for i, p := range pairs {
		out[i] = p.KeyPair.Secret
	}
	return out
}

// Valid reports how many non-expired messaging keys the keystore holds as
// of now, used by health checks to flag a CoverNode running with no usable
// key left.
func (ks *Keystore) Valid(now time.Time) int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	n := 0
	for _, p := range ks.pairs {
		if !p.Certificate.IsNotValidAfter(now) {
			n++
		}
	}
	return n
}
