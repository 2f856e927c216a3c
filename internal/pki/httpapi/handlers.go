// Package httpapi serves the PKI orchestrator's external HTTP surface:
// the public-keys endpoint, dead-drop listing, signed-form key/status
// registration, and the two message-intake endpoints. It wires together
// internal/pki/store (persistence), internal/pki/forms (signature and TTL
// checks) and internal/pki/ledger (the audit trail of accepted/rejected
// forms) behind a gorilla/mux router.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/coverdrop/coverdrop/internal/pki/forms"
	"github.com/coverdrop/coverdrop/internal/pki/ledger"
	"github.com/coverdrop/coverdrop/internal/pki/livestatus"
	"github.com/coverdrop/coverdrop/internal/pki/store"
	"github.com/coverdrop/coverdrop/internal/pki/submissions"
	"github.com/coverdrop/coverdrop/internal/protocol"
	"github.com/coverdrop/coverdrop/pkg/queue"
)

const (
	defaultDeadDropLimit = 1000
	maxDeadDropLimit     = 5000

	userToCoverNodeMessageLen       = protocol.EncryptedUserToCoverNodeMessageLen
	journalistToCoverNodeMessageLen = protocol.EncryptedJournalistToCoverNodeMessageLen
)

// validChildRoles enumerates the key roles the /v1/public-keys/{role} registration
// endpoint accepts, matching the hierarchy's own role vocabulary.
var validChildRoles = map[string]bool{
	"covernode_provisioning":  true,
	"journalist_provisioning": true,
	"covernode_identity":      true,
	"covernode_messaging":     true,
	"journalist_identity":     true,
	"journalist_messaging":    true,
	"admin":                   true,
}

// Server holds everything the handlers need: the persistence layer, a clock
// for deterministic tests, and an in-memory accumulator of ledger events,
// read back through Events. Forms are verified per-request; nothing here caches a
// verified Hierarchy, since every handler reads straight from Store.
type Server struct {
	Store store.Store
	Clock func() time.Time

	// Submissions is where UserMessages/JournalistMessages hand off raw
	// envelopes for the CoverNode poller to consume. Nil is valid: the
	// envelope is then only validated and logged, never queued, matching
	// this service's original "stream producer is a separate deployment
	// concern" behavior for deployments that run the HTTP API without a
	// CoverNode intake queue configured.
	Submissions queue.Queue

	// LiveStatus fans out SubmitStatus events to connected journalist
	// clients over WebSocket. Nil is valid: the status event is still
	// persisted and returned in the POST response, just not pushed live.
	LiveStatus *livestatus.Hub

	events *eventLog
}

func NewServer(st store.Store, clock func() time.Time) *Server {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Server{Store: st, Clock: clock, events: newEventLog()}
}

func (s *Server) now() time.Time { return s.Clock() }

// Health reports liveness, matching the gateway's health handler's response
// shape (status/service/ts/request_id) so existing monitoring that scrapes
// that shape keeps working unchanged.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	reqID := r.Header.Get(requestIDHeader)
	resp := struct {
		Status    string `json:"status"`
		Service   string `json:"service"`
		TS        string `json:"ts"`
		RequestID string `json:"request_id"`
	}{
		Status:    "ok",
		Service:   "pki-api",
		TS:        s.now().Format(time.RFC3339Nano),
		RequestID: reqID,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// PublicKeys serves the untrusted hierarchy: every key the API currently
// holds, grouped by role, plus the max epoch and journalist profiles. It
// performs no verification of its own — that is the client's job via
// pki.VerifyHierarchy — so a single corrupt row here never blocks the rest
// of the response.
func (s *Server) PublicKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgRows, err := s.Store.ListOrganizationKeys(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list organization keys")
		return
	}

	resp := publicKeysResponse{
		CoverNodes:  map[string]coverNodeFamilyDTO{},
		Journalists: map[string]journalistFamilyDTO{},
	}
	for _, row := range orgRows {
		resp.Organization = append(resp.Organization, orgRowToDTO(row))
	}

	provRows, err := s.allChildRows(ctx, "covernode_provisioning", "journalist_provisioning", "covernode_identity",
		"covernode_messaging", "journalist_identity", "journalist_messaging")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list child keys")
		return
	}

	for role, rows := range provRows {
		switch role {
		case "covernode_provisioning":
			if len(rows) > 0 {
				dto := childRowToDTO(rows[len(rows)-1])
				resp.CoverNodeProvisioning = &dto
			}
		case "journalist_provisioning":
			if len(rows) > 0 {
				dto := childRowToDTO(rows[len(rows)-1])
				resp.JournalistProvisioning = &dto
			}
		case "covernode_identity":
			for _, row := range rows {
				fam := resp.CoverNodes[row.EntityID]
				fam.Identity = childRowToDTO(row)
				resp.CoverNodes[row.EntityID] = fam
			}
		case "journalist_identity":
			for _, row := range rows {
				fam := resp.Journalists[row.EntityID]
				fam.Identity = childRowToDTO(row)
				resp.Journalists[row.EntityID] = fam
			}
		case "covernode_messaging":
			for _, row := range rows {
				fam := resp.CoverNodes[row.EntityID]
				fam.Messaging = append(fam.Messaging, childRowToDTO(row))
				resp.CoverNodes[row.EntityID] = fam
			}
		case "journalist_messaging":
			for _, row := range rows {
				fam := resp.Journalists[row.EntityID]
				fam.Messaging = append(fam.Messaging, childRowToDTO(row))
				resp.Journalists[row.EntityID] = fam
			}
		}
	}

	profiles, err := s.Store.ListJournalistProfiles(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list journalist profiles")
		return
	}
	for _, p := range profiles {
		fam := resp.Journalists[p.JournalistID]
		fam.Profile = journalistProfileDTO{
			JournalistID: p.JournalistID,
			DisplayName:  p.DisplayName,
			SortName:     p.SortName,
			Description:  p.Description,
			IsDesk:       p.IsDesk,
			Tag:          p.Tag,
		}
		resp.Journalists[p.JournalistID] = fam
	}

	maxEpoch, err := s.Store.MaxEpoch(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to compute max epoch")
		return
	}
	resp.MaxEpoch = maxEpoch

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) allChildRows(ctx context.Context, roles ...string) (map[string][]store.ChildKeyRow, error) {
	out := make(map[string][]store.ChildKeyRow, len(roles))
	for _, role := range roles {
		rows, err := s.Store.ListChildKeys(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("pki/httpapi: list child keys (%s): %w", role, err)
		}
		out[role] = rows
	}
	return out, nil
}

// UserDeadDrops serves the U2J dead-drop list, paginated by a strictly
// increasing id cursor per spec's ordering guarantee.
func (s *Server) UserDeadDrops(w http.ResponseWriter, r *http.Request) {
	s.listDeadDrops(w, r, store.DirectionUserToJournalist)
}

// JournalistDeadDrops serves the J2U dead-drop list.
func (s *Server) JournalistDeadDrops(w http.ResponseWriter, r *http.Request) {
	s.listDeadDrops(w, r, store.DirectionJournalistToUser)
}

func (s *Server) listDeadDrops(w http.ResponseWriter, r *http.Request, direction string) {
	from, err := parseIntParam(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", "from must be an integer")
		return
	}
	limit, err := parseIntParam(r, "limit", defaultDeadDropLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", "limit must be an integer")
		return
	}
	if limit <= 0 || limit > maxDeadDropLimit {
		limit = defaultDeadDropLimit
	}

	rows, err := s.Store.ListDeadDropsAfter(r.Context(), direction, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list dead drops")
		return
	}

	resp := deadDropsResponse{DeadDrops: make([]deadDropDTO, 0, len(rows))}
	for _, row := range rows {
		resp.DeadDrops = append(resp.DeadDrops, deadDropRowToDTO(row))
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func parseIntParam(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// SubmitKeyForm registers a provisioning, identity, messaging, or admin key
// via a signed form. The role comes from the URL (/v1/public-keys/{role});
// the caller's current identity/provisioning key must already be present in
// the hierarchy for the signature to make sense, but that cross-check is the
// identity-API's job for rotations — this endpoint accepts any well-formed,
// correctly-signed form and leaves hierarchy consistency to the verifier
// clients run over the resulting public-keys response.
func (s *Server) SubmitKeyForm(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	if !validChildRoles[role] {
		writeError(w, http.StatusNotFound, "unknown_role", "unknown key role")
		return
	}

	f, err := decodeForm(r, kindForRole(role))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", err.Error())
		return
	}

	if err := forms.Verify(f, s.now(), forms.StandardTTL); err != nil {
		s.recordEvent(f, role, "rejected", err)
		writeError(w, http.StatusBadRequest, "form_rejected", err.Error())
		return
	}

	if len(f.Body) < 32 {
		writeError(w, http.StatusBadRequest, "malformed_form", "form body must carry at least a 32 byte public key")
		return
	}
	var keyBytes [32]byte
	copy(keyBytes[:], f.Body[:32])
	entityID := r.URL.Query().Get("id")

	row := store.ChildKeyRow{
		Role:          role,
		EntityID:      entityID,
		KeyBytes:      keyBytes,
		Signature:     f.Signature,
		NotValidAfter: f.NotValidAfter,
	}
	saved, err := s.Store.InsertChildKey(r.Context(), row)
	if err != nil {
		s.recordEvent(f, role, "rejected", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist key")
		return
	}

	s.recordEvent(f, role, "accepted", nil)

	idemKey, _ := forms.IdempotencyKey(f)
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(formAcceptedResponse{IdempotencyKey: idemKey, Epoch: saved.Epoch})
}

// SubmitJournalistProfile registers or updates a journalist's display
// metadata, signed the same way a key form is.
func (s *Server) SubmitJournalistProfile(w http.ResponseWriter, r *http.Request) {
	f, err := decodeForm(r, forms.KindJournalist)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", err.Error())
		return
	}
	if err := forms.Verify(f, s.now(), forms.StandardTTL); err != nil {
		s.recordEvent(f, "journalist", "rejected", err)
		writeError(w, http.StatusBadRequest, "form_rejected", err.Error())
		return
	}

	var profile journalistProfileDTO
	if err := json.Unmarshal(f.Body, &profile); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", "body is not a valid journalist profile")
		return
	}
	if profile.JournalistID == "" {
		writeError(w, http.StatusBadRequest, "malformed_form", "profile requires an id")
		return
	}

	row := store.JournalistProfileRow{
		JournalistID: profile.JournalistID,
		DisplayName:  profile.DisplayName,
		SortName:     profile.SortName,
		Description:  profile.Description,
		IsDesk:       profile.IsDesk,
		Tag:          profile.Tag,
	}
	if err := s.Store.UpsertJournalistProfile(r.Context(), row); err != nil {
		s.recordEvent(f, "journalist", "rejected", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist profile")
		return
	}

	s.recordEvent(f, "journalist", "accepted", nil)
	idemKey, _ := forms.IdempotencyKey(f)
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(formAcceptedResponse{IdempotencyKey: idemKey})
}

// SubmitStatus accepts an admin-signed status event.
func (s *Server) SubmitStatus(w http.ResponseWriter, r *http.Request) {
	f, err := decodeForm(r, forms.KindStatus)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", err.Error())
		return
	}
	if err := forms.Verify(f, s.now(), forms.StandardTTL); err != nil {
		s.recordEvent(f, "status", "rejected", err)
		writeError(w, http.StatusBadRequest, "form_rejected", err.Error())
		return
	}

	var payload struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(f.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", "body is not a valid status event")
		return
	}

	row := store.StatusEventRow{Status: payload.Status, Detail: payload.Detail, Signature: f.Signature}
	saved, err := s.Store.AppendStatusEvent(r.Context(), row)
	if err != nil {
		s.recordEvent(f, "status", "rejected", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist status event")
		return
	}

	s.recordEvent(f, "status", "accepted", nil)
	createdAt := saved.CreatedAt.UTC().Format(time.RFC3339)
	if s.LiveStatus != nil {
		s.LiveStatus.Broadcast(livestatus.Event{
			ID:        saved.ID,
			CreatedAt: createdAt,
			Status:    saved.Status,
			Detail:    saved.Detail,
		})
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(statusEventDTO{
		ID:        saved.ID,
		CreatedAt: createdAt,
		Status:    saved.Status,
		Detail:    saved.Detail,
	})
}

// JournalistLiveStatus upgrades to a WebSocket and streams status events
// as they are submitted. If LiveStatus is nil (no hub configured for this
// deployment), it responds 503 rather than silently accepting a
// connection that will never receive anything.
func (s *Server) JournalistLiveStatus(w http.ResponseWriter, r *http.Request) {
	if s.LiveStatus == nil {
		http.Error(w, "live status is not enabled on this deployment", http.StatusServiceUnavailable)
		return
	}
	s.LiveStatus.ServeWS(w, r)
}

// UserMessages accepts a user's outer ciphertext and enqueues it onto the
// user-to-CoverNode submissions queue, the same ordered stream the
// CoverNode's transport.QueueSource polls.
func (s *Server) UserMessages(w http.ResponseWriter, r *http.Request) {
	s.acceptEnvelope(w, r, userToCoverNodeMessageLen, submissions.QueueUserToCoverNode)
}

// JournalistMessages accepts a signed journalist→CoverNode envelope. Unlike
// UserMessages, the envelope is wrapped in a form so the signer's identity
// key (and its expiry) can be checked before the bytes are handed off.
func (s *Server) JournalistMessages(w http.ResponseWriter, r *http.Request) {
	f, err := decodeForm(r, forms.KindJ2CMessage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_form", err.Error())
		return
	}
	if err := forms.Verify(f, s.now(), forms.StandardTTL); err != nil {
		s.recordEvent(f, "j2c_message", "rejected", err)
		writeError(w, http.StatusBadRequest, "form_rejected", err.Error())
		return
	}

	rows, err := s.Store.ListChildKeys(r.Context(), "journalist_identity")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to look up signer")
		return
	}
	var signer *store.ChildKeyRow
	for i := range rows {
		if rows[i].KeyBytes == f.SignerPublic {
			signer = &rows[i]
			break
		}
	}
	if signer == nil {
		s.recordEvent(f, "j2c_message", "rejected", forms.ErrUnknownSigner)
		writeError(w, http.StatusForbidden, "unknown_signer", "signer is not a known journalist identity key")
		return
	}
	if s.now().After(signer.NotValidAfter) {
		s.recordEvent(f, "j2c_message", "rejected", forms.ErrIdentityExpired)
		writeError(w, http.StatusForbidden, "identity_expired", "signer's identity key has expired")
		return
	}

	if len(f.Body) != journalistToCoverNodeMessageLen {
		s.recordEvent(f, "j2c_message", "rejected", nil)
		writeError(w, http.StatusBadRequest, "wrong_message_size", fmt.Sprintf("expected %d bytes, got %d", journalistToCoverNodeMessageLen, len(f.Body)))
		return
	}

	s.recordEvent(f, "j2c_message", "accepted", nil)
	if err := s.enqueue(r.Context(), submissions.QueueJournalistToCoverNode, f.Body); err != nil {
		writeError(w, http.StatusInternalServerError, "queue_error", "failed to enqueue envelope")
		return
	}
	log.Printf("pki/httpapi: accepted journalist envelope from %s (%d bytes)", signer.EntityID, len(f.Body))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) acceptEnvelope(w http.ResponseWriter, r *http.Request, expectedLen int, qn queue.QueueName) {
	body, err := readBodyLimited(r, expectedLen+1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", "failed to read request body")
		return
	}
	if expectedLen > 0 && len(body) != expectedLen {
		writeError(w, http.StatusBadRequest, "wrong_message_size", fmt.Sprintf("expected %d bytes, got %d", expectedLen, len(body)))
		return
	}
	if err := s.enqueue(r.Context(), qn, body); err != nil {
		writeError(w, http.StatusInternalServerError, "queue_error", "failed to enqueue envelope")
		return
	}
	log.Printf("pki/httpapi: accepted user envelope (%d bytes)", len(body))
	w.WriteHeader(http.StatusAccepted)
}

// enqueue hands body to the configured submissions queue, a no-op when the
// server was built without one (see Server.Submissions).
func (s *Server) enqueue(ctx context.Context, qn queue.QueueName, body []byte) error {
	if s.Submissions == nil {
		return nil
	}
	return s.Submissions.Enqueue(ctx, qn, queue.Envelope{
		Queue:   qn,
		Type:    "submission",
		Payload: body,
	})
}

func readBodyLimited(r *http.Request, max int) ([]byte, error) {
	limited := io.LimitReader(r.Body, int64(max)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > max {
		return nil, errors.New("pki/httpapi: body too large")
	}
	return body, nil
}

func decodeForm(r *http.Request, kind forms.Kind) (forms.Form, error) {
	var req submitFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return forms.Form{}, fmt.Errorf("pki/httpapi: malformed json body: %w", err)
	}

	body, err := hex.DecodeString(req.Body)
	if err != nil {
		return forms.Form{}, fmt.Errorf("pki/httpapi: body is not valid hex: %w", err)
	}
	signerBytes, err := hex.DecodeString(req.SignerPublic)
	if err != nil || len(signerBytes) != 32 {
		return forms.Form{}, errors.New("pki/httpapi: signer_public must be 32 hex-encoded bytes")
	}
	sigBytes, err := hex.DecodeString(req.Signature)
	if err != nil || len(sigBytes) != 64 {
		return forms.Form{}, errors.New("pki/httpapi: signature must be 64 hex-encoded bytes")
	}
	notValidAfter, err := time.Parse(time.RFC3339, req.NotValidAfter)
	if err != nil {
		return forms.Form{}, fmt.Errorf("pki/httpapi: not_valid_after is not RFC-3339: %w", err)
	}

	var f forms.Form
	f.Kind = kind
	f.Body = body
	copy(f.SignerPublic[:], signerBytes)
	copy(f.Signature[:], sigBytes)
	f.NotValidAfter = notValidAfter
	return f, nil
}

func kindForRole(role string) forms.Kind {
	switch role {
	case "covernode_provisioning", "journalist_provisioning":
		return forms.KindProvisioningKey
	case "covernode_identity", "journalist_identity":
		return forms.KindIdentityKey
	case "covernode_messaging", "journalist_messaging":
		return forms.KindMessagingKey
	case "admin":
		return forms.KindAdminKey
	default:
		return forms.KindProvisioningKey
	}
}

// eventLog accumulates the ledger events this process has seen, for an
// operator to later feed into ledger.Build/Verify. It is intentionally
// in-process only: the durable record of what was accepted lives in Store,
// the same way the teacher's services treat their own audit log as a
// derived view rather than a second source of truth.
type eventLog struct {
	mu     sync.Mutex
	events []ledger.Event
}

func newEventLog() *eventLog { return &eventLog{} }

func (l *eventLog) append(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []ledger.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (s *Server) recordEvent(f forms.Form, formKind, outcome string, cause error) {
	detail := map[string]string{}
	if cause != nil {
		detail["reason"] = cause.Error()
	}
	idemKey, err := forms.IdempotencyKey(f)
	if err != nil {
		idemKey = fmt.Sprintf("unkeyable-%d", s.now().UnixNano())
	}
	ev := ledger.Event{
		EventID:  idemKey,
		TS:       s.now().UTC().Format(time.RFC3339Nano),
		FormKind: formKind,
		SignerID: hex.EncodeToString(f.SignerPublic[:]),
		Outcome:  outcome,
		Detail:   detail,
	}
	s.events.append(ev)
}

// Events returns a snapshot of every form-processing event recorded so far,
// suitable for ledger.Build.
func (s *Server) Events() []ledger.Event {
	return s.events.snapshot()
}
