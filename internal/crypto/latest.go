package crypto

import "bytes"

// LatestKeySigning returns the key in keys with the furthest-future
// NotValidAfter. Ties — two keys with an identical expiry — are broken by
// lexicographic order of the raw key bytes. The original protocol left this
// tie-break undefined (max_by_key over an unstable ordering); this is a
// deliberate determinism fix so that two nodes evaluating the same key set
// always agree on which key is "latest".
func LatestKeySigning[R Role](keys []SignedPublicSigningKey[R]) (SignedPublicSigningKey[R], bool) {
	if len(keys) == 0 {
		return SignedPublicSigningKey[R]{}, false
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if isLaterSigning(k, best) {
			best = k
		}
	}
	return best, true
}

func isLaterSigning[R Role](a, b SignedPublicSigningKey[R]) bool {
	if a.Certificate.NotValidAfter.After(b.Certificate.NotValidAfter) {
		return true
	}
	if a.Certificate.NotValidAfter.Before(b.Certificate.NotValidAfter) {
		return false
	}
	ab, bb := a.Key.Key, b.Key.Key
	return bytes.Compare(ab[:], bb[:]) > 0
}

// LatestKeyEncryption is the encryption-key analogue of LatestKeySigning.
func LatestKeyEncryption[R Role](keys []SignedPublicEncryptionKey[R]) (SignedPublicEncryptionKey[R], bool) {
	if len(keys) == 0 {
		return SignedPublicEncryptionKey[R]{}, false
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if isLaterEncryption(k, best) {
			best = k
		}
	}
	return best, true
}

func isLaterEncryption[R Role](a, b SignedPublicEncryptionKey[R]) bool {
	if a.Certificate.NotValidAfter.After(b.Certificate.NotValidAfter) {
		return true
	}
	if a.Certificate.NotValidAfter.Before(b.Certificate.NotValidAfter) {
		return false
	}
	ab, bb := a.Key.Key, b.Key.Key
	return bytes.Compare(ab[:], bb[:]) > 0
}

// RankedByRecency orders encryption keys newest-to-oldest by NotValidAfter,
// lexicographic key bytes breaking ties the same way as LatestKeyEncryption.
// internal/covernode uses this to try candidate decryption keys in rank
// order: the currently-unpublished candidate key first (rank 0, supplied
// separately), then published keys from newest to oldest.
func RankedByRecency[R Role](keys []SignedPublicEncryptionKey[R]) []SignedPublicEncryptionKey[R] {
	out := make([]SignedPublicEncryptionKey[R], len(keys))
	copy(out, keys)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && isLaterEncryption(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}
