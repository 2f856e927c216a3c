package forms

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedForm(t *testing.T, body []byte, notValidAfter time.Time) (Form, ed25519.PublicKey) {
	t.Helper()
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig := Sign(sec, body, notValidAfter)
	var spub [32]byte
	copy(spub[:], pub)
	return Form{Kind: KindStatus, Body: body, SignerPublic: spub, Signature: sig, NotValidAfter: notValidAfter}, pub
}

func TestVerify_AcceptsFreshSignedForm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"status":"ok"}`), now.Add(5*time.Minute))
	assert.NoError(t, Verify(f, now, StandardTTL))
}

func TestVerify_RejectsExpiredForm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"status":"ok"}`), now.Add(-time.Second))
	assert.ErrorIs(t, Verify(f, now, StandardTTL), ErrExpired)
}

func TestVerify_RejectsFormExceedingTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"status":"ok"}`), now.Add(2*StandardTTL))
	assert.ErrorIs(t, Verify(f, now, StandardTTL), ErrExpired)
}

func TestVerify_AcceptsBootstrapBundleUnderLongerTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"bundle":true}`), now.Add(20*24*time.Hour))
	assert.NoError(t, Verify(f, now, BootstrapTTL))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"status":"ok"}`), now.Add(5*time.Minute))
	f.Body = []byte(`{"status":"tampered"}`)
	assert.ErrorIs(t, Verify(f, now, StandardTTL), ErrSignatureInvalid)
}

func TestIdempotencyKey_StableForSameForm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, _ := signedForm(t, []byte(`{"status":"ok"}`), now.Add(5*time.Minute))

	k1, err := IdempotencyKey(f)
	require.NoError(t, err)
	k2, err := IdempotencyKey(f)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	f2, _ := signedForm(t, []byte(`{"status":"different"}`), now.Add(5*time.Minute))
	k3, err := IdempotencyKey(f2)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
