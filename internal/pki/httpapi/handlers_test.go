package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdrop/coverdrop/internal/pki/forms"
	"github.com/coverdrop/coverdrop/internal/pki/store"
)

func testServer(t *testing.T, now time.Time) (*Server, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(func() time.Time { return now })
	s := NewServer(mem, func() time.Time { return now })
	return s, mem
}

func buildSignedRequest(t *testing.T, method, path string, body []byte, notValidAfter time.Time) *http.Request {
	t.Helper()
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig := forms.Sign(sec, body, notValidAfter)

	req := submitFormRequest{
		Body:          hex.EncodeToString(body),
		SignerPublic:  hex.EncodeToString(pub),
		Signature:     hex.EncodeToString(sig[:]),
		NotValidAfter: notValidAfter.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return httptest.NewRequest(method, path, bytes.NewReader(payload))
}

func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := testServer(t, time.Unix(1_700_000_000, 0))
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/v1/healthcheck", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=1")
}

func TestSubmitKeyForm_AcceptsWellFormedForm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, mem := testServer(t, now)
	router := NewRouter(s)

	var body [32]byte
	body[0] = 0xAB
	req := buildSignedRequest(t, http.MethodPost, "/v1/public-keys/covernode_provisioning?id=org-root", body[:], now.Add(5*time.Minute))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	rows, err := mem.ListChildKeys(req.Context(), "covernode_provisioning")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, body, rows[0].KeyBytes)
}

func TestSubmitKeyForm_RejectsUnknownRole(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := testServer(t, now)
	router := NewRouter(s)

	var body [32]byte
	req := buildSignedRequest(t, http.MethodPost, "/v1/public-keys/not-a-role", body[:], now.Add(5*time.Minute))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitKeyForm_RejectsExpiredForm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := testServer(t, now)
	router := NewRouter(s)

	var body [32]byte
	req := buildSignedRequest(t, http.MethodPost, "/v1/public-keys/admin", body[:], now.Add(-time.Minute))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublicKeys_ReflectsInsertedKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, mem := testServer(t, now)
	router := NewRouter(s)

	_, err := mem.InsertOrganizationKey(context.Background(), store.OrganizationKeyRow{
		NotValidAfter: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/public-keys", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=60")

	var resp publicKeysResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Organization, 1)
}

func TestUserDeadDrops_RejectsNonIntegerCursor(t *testing.T) {
	s, _ := testServer(t, time.Unix(1_700_000_000, 0))
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/v1/user/dead-drops?from=banana", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserMessages_RejectsWrongSize(t *testing.T) {
	s, _ := testServer(t, time.Unix(1_700_000_000, 0))
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/v1/user/messages", bytes.NewReader([]byte("too short")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS_PreflightReturnsNoContentWithoutInvokingHandler(t *testing.T) {
	s, _ := testServer(t, time.Unix(1_700_000_000, 0))
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodOptions, "/v1/healthcheck", nil)
	req.Header.Set("Origin", "https://example.org")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
