// Package client is a thin Go SDK for the CoverDrop public API: fetching
// the untrusted key hierarchy and dead-drop lists, and submitting signed
// forms and message envelopes. It intentionally stays stdlib-only for
// transport (net/http) the way the original SDK this is adapted from did,
// while using the project's shared pkg/errors envelope for error decoding
// and pkg/telemetry for trace propagation, matching how every other
// CoverDrop service is wired rather than inventing a client-only stack.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	coverrors "github.com/coverdrop/coverdrop/pkg/errors"
	"github.com/coverdrop/coverdrop/pkg/telemetry"
)

const (
	RequestIDHeader = "X-Request-Id"

	DefaultMaxRequestBytes  = int64(4 * 1024 * 1024)
	DefaultMaxResponseBytes = int64(8 * 1024 * 1024)
	DefaultTimeout          = 15 * time.Second
)

// Client is a thin HTTP client for one CoverDrop API base URL: the public
// API for bundle/dead-drop/message endpoints, or the identity-API for
// rotation, depending on which BaseURL it is constructed with.
type Client struct {
	BaseURL string

	RequestHeader string
	StaticHeaders map[string]string

	HTTP *http.Client

	MaxRequestBytes  int64
	MaxResponseBytes int64
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		RequestHeader:    RequestIDHeader,
		HTTP:             &http.Client{Timeout: DefaultTimeout},
		MaxRequestBytes:  DefaultMaxRequestBytes,
		MaxResponseBytes: DefaultMaxResponseBytes,
		StaticHeaders:    map[string]string{},
	}
}

// RequestOption mutates an outgoing request's configuration.
type RequestOption func(*requestCfg)

type requestCfg struct {
	requestID string
	headers   map[string]string
	query     map[string]string
}

func WithRequestID(reqID string) RequestOption {
	return func(c *requestCfg) { c.requestID = strings.TrimSpace(reqID) }
}

func WithHeader(k, v string) RequestOption {
	return func(c *requestCfg) {
		if c.headers == nil {
			c.headers = map[string]string{}
		}
		c.headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}

func WithQuery(k, v string) RequestOption {
	return func(c *requestCfg) {
		if c.query == nil {
			c.query = map[string]string{}
		}
		c.query[k] = v
	}
}

// --- public-key hierarchy and dead-drop DTOs, matching internal/pki/httpapi's
// wire shapes field for field (the SDK does not import the server package,
// so it keeps its own mirror of the response schema).

type CertificateDTO struct {
	NotValidAfter string `json:"not_valid_after"`
	Signature     string `json:"signature"`
}

type SignedKeyDTO struct {
	Key         string         `json:"key"`
	Certificate CertificateDTO `json:"certificate"`
}

type JournalistProfileDTO struct {
	JournalistID string `json:"id"`
	DisplayName  string `json:"display_name"`
	SortName     string `json:"sort_name"`
	Description  string `json:"description"`
	IsDesk       bool   `json:"is_desk"`
	Tag          string `json:"tag"`
}

type CoverNodeFamilyDTO struct {
	Identity  SignedKeyDTO   `json:"identity"`
	Messaging []SignedKeyDTO `json:"messaging"`
}

type JournalistFamilyDTO struct {
	Identity  SignedKeyDTO         `json:"identity"`
	Messaging []SignedKeyDTO       `json:"messaging"`
	Profile   JournalistProfileDTO `json:"profile"`
}

type PublicKeysResponse struct {
	Organization           []SignedKeyDTO                 `json:"organization_pks"`
	CoverNodeProvisioning   *SignedKeyDTO                  `json:"covernode_provisioning,omitempty"`
	JournalistProvisioning  *SignedKeyDTO                  `json:"journalist_provisioning,omitempty"`
	CoverNodes              map[string]CoverNodeFamilyDTO  `json:"covernodes"`
	Journalists             map[string]JournalistFamilyDTO `json:"journalists"`
	MaxEpoch                uint32                         `json:"max_epoch"`
}

type DeadDropDTO struct {
	ID        int64   `json:"id"`
	CreatedAt string  `json:"created_at"`
	Data      string  `json:"data"`
	Signature string  `json:"signature"`
	Epoch     *uint32 `json:"epoch,omitempty"`
}

type DeadDropsResponse struct {
	DeadDrops []DeadDropDTO `json:"dead_drops"`
}

type FormAcceptedResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Epoch          uint32 `json:"epoch,omitempty"`
}

// PublicKeys fetches GET /v1/public-keys: the full untrusted hierarchy.
// Callers must run the result through the crypto package's hierarchy
// verification before trusting any key in it — this client performs no
// verification of its own, matching the server's own "serves untrusted,
// client verifies" contract.
func (c *Client) PublicKeys(ctx context.Context, opts ...RequestOption) (PublicKeysResponse, error) {
	var out PublicKeysResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/public-keys", nil, &out, opts...)
	return out, err
}

// UserDeadDrops fetches GET /v1/user/dead-drops?from=&limit=.
func (c *Client) UserDeadDrops(ctx context.Context, from int64, limit int, opts ...RequestOption) (DeadDropsResponse, error) {
	return c.deadDrops(ctx, "/v1/user/dead-drops", from, limit, opts...)
}

// JournalistDeadDrops fetches GET /v1/journalist/dead-drops?from=&limit=.
func (c *Client) JournalistDeadDrops(ctx context.Context, from int64, limit int, opts ...RequestOption) (DeadDropsResponse, error) {
	return c.deadDrops(ctx, "/v1/journalist/dead-drops", from, limit, opts...)
}

func (c *Client) deadDrops(ctx context.Context, path string, from int64, limit int, opts ...RequestOption) (DeadDropsResponse, error) {
	var out DeadDropsResponse
	opts = append([]RequestOption{
		WithQuery("from", strconv.FormatInt(from, 10)),
		WithQuery("limit", strconv.Itoa(limit)),
	}, opts...)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out, opts...)
	return out, err
}

// PostUserMessage submits POST /v1/user/messages: a fixed-length sealed
// envelope from a whistleblower-side client. envelope must already be
// exactly protocol.EncryptedUserToCoverNodeMessageLen bytes; the server
// rejects anything else.
func (c *Client) PostUserMessage(ctx context.Context, envelope []byte, opts ...RequestOption) error {
	return c.postEnvelope(ctx, "/v1/user/messages", envelope, opts...)
}

// PostJournalistMessage submits POST /v1/journalist/messages.
func (c *Client) PostJournalistMessage(ctx context.Context, envelope []byte, opts ...RequestOption) error {
	return c.postEnvelope(ctx, "/v1/journalist/messages", envelope, opts...)
}

func (c *Client) postEnvelope(ctx context.Context, path string, envelope []byte, opts ...RequestOption) error {
	_, err := c.doRaw(ctx, http.MethodPost, path, envelopeBody{Body: encodeHex(envelope)}, opts...)
	return err
}

type envelopeBody struct {
	Body string `json:"body"`
}

// SubmitKeyForm posts a signed key-registration form to
// POST /v1/public-keys/{role}?id={entityID}.
func (c *Client) SubmitKeyForm(ctx context.Context, role, entityID string, form SignedFormDTO, opts ...RequestOption) (FormAcceptedResponse, error) {
	var out FormAcceptedResponse
	path := "/v1/public-keys/" + role
	if entityID != "" {
		opts = append([]RequestOption{WithQuery("id", entityID)}, opts...)
	}
	err := c.doJSON(ctx, http.MethodPost, path, form, &out, opts...)
	return out, err
}

// SignedFormDTO is the wire shape of any signed form body this client
// submits, matching internal/pki/forms.Form's serialization.
type SignedFormDTO struct {
	Body          string `json:"body"`
	SignerPublic  string `json:"signer_public"`
	Signature     string `json:"signature"`
	NotValidAfter string `json:"not_valid_after"`
}

// RotateIdentityKey posts a rotation form to the identity-API. Unlike
// SubmitKeyForm this targets a different process entirely (spec §4.6), so
// callers must construct this Client with the identity-API's base URL, not
// the public API's.
func (c *Client) RotateIdentityKey(ctx context.Context, form SignedFormDTO, opts ...RequestOption) (FormAcceptedResponse, error) {
	var out FormAcceptedResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/identity/rotate", form, &out, opts...)
	return out, err
}

func encodeHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

// --- errors ---

// APIError is returned for non-2xx responses.
type APIError struct {
	Status    int
	Code      coverrors.Code
	Message   string
	Retryable bool
	Kind      string
	RequestID string
	TraceID   string
	RawBody   []byte
}

func (e *APIError) Error() string {
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("coverdrop api error: status=%d code=%s retryable=%t msg=%s", e.Status, code, e.Retryable, msg)
}

// --- internal request execution ---

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	raw, err := c.doRaw(ctx, method, path, body, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("coverdrop client: decode response json: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any, opts ...RequestOption) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil {
		return nil, errors.New("coverdrop client: nil client")
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: DefaultTimeout}
	}
	if c.RequestHeader == "" {
		c.RequestHeader = RequestIDHeader
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}

	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nil, errors.New("coverdrop client: base url required")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return nil, errors.New("coverdrop client: method required")
	}

	p := strings.TrimSpace(path)
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	url := base + p

	cfg := requestCfg{}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if len(cfg.query) > 0 {
		q := make([]string, 0, len(cfg.query))
		for k, v := range cfg.query {
			q = append(q, k+"="+v)
		}
		url += "?" + strings.Join(q, "&")
	}

	var reqBody io.Reader
	if body != nil && method != http.MethodGet && method != http.MethodHead {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coverdrop client: encode request json: %w", err)
		}
		if int64(len(b)) > c.MaxRequestBytes {
			return nil, fmt.Errorf("coverdrop client: request body too large (%d>%d)", len(b), c.MaxRequestBytes)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.StaticHeaders {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.Header.Set(k, strings.TrimSpace(v))
	}
	for k, v := range cfg.headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.Header.Set(k, strings.TrimSpace(v))
	}
	if cfg.requestID != "" && c.RequestHeader != "" {
		req.Header.Set(c.RequestHeader, cfg.requestID)
	}
	if sc, ok := telemetry.SpanContextFromContext(ctx); ok && sc.TraceID != "" {
		req.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-%s", sc.TraceID, sc.SpanID, sampledFlag(sc.Sampled)))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	lr := io.LimitReader(resp.Body, c.MaxResponseBytes+1)
	raw, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > c.MaxResponseBytes {
		return nil, fmt.Errorf("coverdrop client: response body too large (%d>%d)", len(raw), c.MaxResponseBytes)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return raw, nil
	}
	return nil, parseErrorEnvelope(resp.StatusCode, raw)
}

func sampledFlag(sampled bool) string {
	if sampled {
		return "01"
	}
	return "00"
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
		Kind      string `json:"kind"`
		RequestID string `json:"request_id"`
		TraceID   string `json:"trace_id"`
	} `json:"error"`
}

func parseErrorEnvelope(status int, raw []byte) *APIError {
	out := &APIError{
		Status:    status,
		Code:      coverrors.Internal,
		Message:   "request failed",
		Retryable: true,
		Kind:      "server",
		RawBody:   raw,
	}

	var env errorEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return out
	}

	if env.Error.Code != "" {
		out.Code = coverrors.Code(env.Error.Code)
		if meta, ok := coverrors.Meta(out.Code); ok {
			out.Retryable = meta.Retryable
			out.Kind = meta.Kind
		}
	}
	if env.Error.Message != "" {
		out.Message = env.Error.Message
	}
	if env.Error.Kind != "" {
		out.Kind = env.Error.Kind
	}
	if env.Error.RequestID != "" {
		out.RequestID = env.Error.RequestID
	}
	if env.Error.TraceID != "" {
		out.TraceID = env.Error.TraceID
	}
	if !coverrors.Known(out.Code) {
		out.Code = coverrors.Internal
		out.Retryable = true
		out.Kind = "server"
	}
	return out
}
