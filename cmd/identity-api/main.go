// Command identity-api runs the process trusted with provisioning secret
// keys: the single identity-key rotation endpoint (spec §4.6), deliberately
// separate from cmd/api so the public-facing process never holds a
// provisioning secret.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverdrop/coverdrop/internal/cmdconfig"
	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/pki/diskformat"
	"github.com/coverdrop/coverdrop/internal/pki/forms"
	"github.com/coverdrop/coverdrop/internal/pki/identityapi"
	"github.com/coverdrop/coverdrop/internal/pki/store"
)

const maxRotationBodyBytes = 16 * 1024

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := cmdconfig.Load(ctx, getenv("CONFIG_ROOT", ""), "identity-api", getenv("IDENTITY_API_ENV", ""))
	if err != nil {
		log.Fatalf("identity-api: load config bundle: %v", err)
	}

	addr := getenv("IDENTITY_API_ADDR", cmdconfig.String(bundle, "http.addr", ":8081"))
	pgDSN := getenv("IDENTITY_API_POSTGRES_DSN", cmdconfig.String(bundle, "postgres.dsn", ""))
	journalistProvPath := getenv("IDENTITY_API_JOURNALIST_PROVISIONING_KEY_PATH", cmdconfig.String(bundle, "provisioning.journalist_key_path", "./identity-api-data/journalist_provisioning.signingkeypair.json"))
	coverNodeProvPath := getenv("IDENTITY_API_COVERNODE_PROVISIONING_KEY_PATH", cmdconfig.String(bundle, "provisioning.covernode_key_path", "./identity-api-data/covernode_provisioning.signingkeypair.json"))
	validFor := getenvDuration("IDENTITY_API_ROTATED_KEY_VALID_FOR", cmdconfig.Duration(bundle, "rotation.valid_for", 90*24*time.Hour))

	if pgDSN == "" {
		log.Fatal("identity-api: IDENTITY_API_POSTGRES_DSN is required")
	}
	db, err := sql.Open("postgres", pgDSN)
	if err != nil {
		log.Fatalf("identity-api: open postgres: %v", err)
	}
	defer db.Close()

	st, err := store.NewPostgresStore(db, store.PostgresOptions{})
	if err != nil {
		log.Fatalf("identity-api: new store: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("identity-api: ensure schema: %v", err)
	}

	journalistProv, _, err := diskformat.ReadSignedSigningKeyPair[crypto.JournalistProvisioning](journalistProvPath)
	if err != nil {
		log.Fatalf("identity-api: load journalist provisioning key: %v", err)
	}
	coverNodeProv, _, err := diskformat.ReadSignedSigningKeyPair[crypto.CoverNodeProvisioning](coverNodeProvPath)
	if err != nil {
		log.Fatalf("identity-api: load covernode provisioning key: %v", err)
	}

	srv := identityapi.New(st, nil, identityapi.Provisioning{
		Journalist: journalistProv,
		CoverNode:  coverNodeProv,
	}, validFor)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/identity/rotate", rotateHandler(srv))

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("identity-api: listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("identity-api: listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("identity-api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// rotationFormWire is the JSON shape of a signed rotation form's outer
// envelope, matching internal/pki/httpapi's own form wire convention (hex
// body/signer/signature, RFC-3339 expiry) so both processes speak the same
// client-facing encoding.
type rotationFormWire struct {
	Body          string `json:"body"`
	SignerPublic  string `json:"signer_public"`
	Signature     string `json:"signature"`
	NotValidAfter string `json:"not_valid_after"`
}

// rotationBodyWire is the JSON shape of the form's inner body: the actual
// rotation request the signature covers.
type rotationBodyWire struct {
	EntityID           string `json:"entity_id"`
	Role               string `json:"role"`
	CurrentIdentityKey string `json:"current_identity_key"`
	NewUnregisteredKey string `json:"new_unregistered_key"`
	RequestedValidFor  string `json:"requested_valid_for,omitempty"`
}

// rotationResponse mirrors internal/client.FormAcceptedResponse's shape
// (idempotency_key, epoch) so the same client can decode both APIs'
// accepted-form responses, plus the rotated key material a caller needs to
// learn the certificate it couldn't have produced itself.
type rotationResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Epoch          uint32 `json:"epoch,omitempty"`
	EntityID       string `json:"entity_id"`
	Role           string `json:"role"`
	Key            string `json:"key"`
	NotValidAfter  string `json:"not_valid_after"`
	Signature      string `json:"signature"`
}

func rotateHandler(srv *identityapi.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		f, rr, err := decodeRotationForm(r)
		if err != nil {
			writeRotationError(w, http.StatusBadRequest, "malformed_form", err.Error())
			return
		}

		if err := forms.Verify(f, time.Now().UTC(), forms.StandardTTL); err != nil {
			writeRotationError(w, http.StatusBadRequest, "form_rejected", err.Error())
			return
		}

		saved, err := srv.Rotate(r.Context(), f, rr)
		if err != nil {
			var re *forms.RotationError
			if errors.As(err, &re) {
				writeRotationError(w, statusForRotationKind(re.Kind), string(re.Kind), re.Error())
				return
			}
			writeRotationError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		idempotencyKey, err := forms.IdempotencyKey(f)
		if err != nil {
			writeRotationError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rotationResponse{
			IdempotencyKey: idempotencyKey,
			Epoch:          saved.Epoch,
			EntityID:       saved.EntityID,
			Role:           saved.Role,
			Key:            hex.EncodeToString(saved.KeyBytes[:]),
			NotValidAfter:  saved.NotValidAfter.UTC().Format(time.RFC3339),
			Signature:      hex.EncodeToString(saved.Signature[:]),
		})
	}
}

func statusForRotationKind(kind forms.RotationFailureKind) int {
	switch kind {
	case forms.RotationUnknownSigner:
		return http.StatusNotFound
	case forms.RotationIdentityMismatch:
		return http.StatusBadRequest
	case forms.RotationParentKeyExpired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeRotationForm(r *http.Request) (forms.Form, forms.RotationRequest, error) {
	limited := io.LimitReader(r.Body, maxRotationBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return forms.Form{}, forms.RotationRequest{}, err
	}
	if len(raw) > maxRotationBodyBytes {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: request body too large")
	}

	var wire rotationFormWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: malformed json body: %w", err)
	}

	body, err := hex.DecodeString(wire.Body)
	if err != nil {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: body is not valid hex: %w", err)
	}
	signerBytes, err := hex.DecodeString(wire.SignerPublic)
	if err != nil || len(signerBytes) != 32 {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: signer_public must be 32 hex-encoded bytes")
	}
	sigBytes, err := hex.DecodeString(wire.Signature)
	if err != nil || len(sigBytes) != 64 {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: signature must be 64 hex-encoded bytes")
	}
	notValidAfter, err := time.Parse(time.RFC3339, wire.NotValidAfter)
	if err != nil {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: not_valid_after is not RFC-3339: %w", err)
	}

	var f forms.Form
	f.Kind = forms.KindIdentityKey
	f.Body = body
	copy(f.SignerPublic[:], signerBytes)
	copy(f.Signature[:], sigBytes)
	f.NotValidAfter = notValidAfter

	var bodyWire rotationBodyWire
	if err := json.Unmarshal(body, &bodyWire); err != nil {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: form body is not a rotation request: %w", err)
	}

	currentKeyBytes, err := hex.DecodeString(bodyWire.CurrentIdentityKey)
	if err != nil || len(currentKeyBytes) != 32 {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: current_identity_key must be 32 hex-encoded bytes")
	}
	newKeyBytes, err := hex.DecodeString(bodyWire.NewUnregisteredKey)
	if err != nil || len(newKeyBytes) != 32 {
		return forms.Form{}, forms.RotationRequest{}, fmt.Errorf("identity-api: new_unregistered_key must be 32 hex-encoded bytes")
	}

	var rr forms.RotationRequest
	rr.EntityID = bodyWire.EntityID
	rr.Role = bodyWire.Role
	copy(rr.CurrentIdentityKey[:], currentKeyBytes)
	copy(rr.NewUnregisteredKey[:], newKeyBytes)
	if bodyWire.RequestedValidFor != "" {
		d, err := time.ParseDuration(bodyWire.RequestedValidFor)
		if err == nil {
			rr.RequestedValidFor = d
		}
	}

	return f, rr, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeRotationError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	_ = json.NewEncoder(w).Encode(body)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
