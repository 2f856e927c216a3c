// Package ledger builds a deterministic, tamper-evident hash chain over the
// PKI orchestrator's form-acceptance events: every accepted or rejected
// signed form (key registration, rotation, status post, J2C message) becomes
// one link, so an auditor can detect a missing, reordered, or altered event
// without needing to trust the API's own database.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrChain        = errors.New("pki/ledger: chain failed")
	ErrChainInvalid = errors.New("pki/ledger: chain invalid")
	ErrChainMismatch = errors.New("pki/ledger: chain mismatch")
)

const genesisPrevHash = "GENESIS"

// Event is one form-processing outcome: an admin key registration, a
// provisioning-signed rotation, a status post, or a J2C message acceptance.
type Event struct {
	EventID   string // idempotency key from pkg/idempotency, doubles as the ledger's dedup key
	TS        string // RFC-3339
	FormKind  string // "provisioning_key" | "identity_key" | "messaging_key" | "admin_key" | "journalist" | "status" | "j2c_message"
	SignerID  string // role + entity of the key that signed the form
	Outcome   string // "accepted" | "rejected"
	Detail    map[string]string
}

// Link is one entry in the chain: the event's identity fields plus the
// hash step that binds it to everything before it.
type Link struct {
	EventID  string `json:"event_id"`
	TS       string `json:"ts"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Chain is the full hash-chained audit trail.
type Chain struct {
	Head  string `json:"head"`
	Links []Link `json:"links"`
}

// Build constructs a deterministic hash chain from events, ordered by TS
// then EventID, matching the audit trail's chronological-append invariant.
func Build(events []Event) (Chain, error) {
	if len(events) == 0 {
		return Chain{}, fmt.Errorf("%w: %w: no events", ErrChain, ErrChainInvalid)
	}

	evs := make([]Event, len(events))
	copy(evs, events)
	for i := range evs {
		if normCollapse(evs[i].EventID) == "" || normCollapse(evs[i].TS) == "" {
			return Chain{}, fmt.Errorf("%w: %w: event_id/ts required", ErrChain, ErrChainInvalid)
		}
		if _, err := parseRFC3339Strict(evs[i].TS); err != nil {
			return Chain{}, fmt.Errorf("%w: %w: invalid ts", ErrChain, ErrChainInvalid)
		}
	}

	sort.Slice(evs, func(i, j int) bool {
		ti, _ := parseRFC3339Strict(evs[i].TS)
		tj, _ := parseRFC3339Strict(evs[j].TS)
		if ti.Before(tj) {
			return true
		}
		if ti.After(tj) {
			return false
		}
		return normCollapse(evs[i].EventID) < normCollapse(evs[j].EventID)
	})

	links := make([]Link, 0, len(evs))
	prev := genesisPrevHash
	for _, e := range evs {
		b, err := canonicalEventBytes(e)
		if err != nil {
			return Chain{}, fmt.Errorf("%w: %v", ErrChain, err)
		}
		h := hashStep(prev, b)
		links = append(links, Link{
			EventID:  normCollapse(e.EventID),
			TS:       normCollapse(e.TS),
			PrevHash: prev,
			Hash:     h,
		})
		prev = h
	}

	return Chain{Head: prev, Links: links}, nil
}

// Verify recomputes the chain from events and checks it matches chain
// exactly: same head, same link sequence.
func Verify(chain Chain, events []Event) error {
	built, err := Build(events)
	if err != nil {
		return err
	}
	if normCollapse(chain.Head) != normCollapse(built.Head) {
		return fmt.Errorf("%w: head mismatch", ErrChainMismatch)
	}
	if len(chain.Links) != len(built.Links) {
		return fmt.Errorf("%w: link count mismatch", ErrChainMismatch)
	}
	for i := range built.Links {
		a, b := chain.Links[i], built.Links[i]
		if normCollapse(a.EventID) != normCollapse(b.EventID) ||
			normCollapse(a.TS) != normCollapse(b.TS) ||
			normCollapse(a.PrevHash) != normCollapse(b.PrevHash) ||
			normCollapse(a.Hash) != normCollapse(b.Hash) {
			return fmt.Errorf("%w: link mismatch at index %d", ErrChainMismatch, i)
		}
	}
	return nil
}

type canonicalSKV struct {
	K string `json:"k"`
	V string `json:"v"`
}

type canonicalEvent struct {
	EventID  string         `json:"event_id"`
	TS       string         `json:"ts"`
	FormKind string         `json:"form_kind"`
	SignerID string         `json:"signer_id"`
	Outcome  string         `json:"outcome"`
	Detail   []canonicalSKV `json:"detail,omitempty"`
}

func canonicalEventBytes(e Event) ([]byte, error) {
	ce := canonicalEvent{
		EventID:  normCollapse(e.EventID),
		TS:       normCollapse(e.TS),
		FormKind: normCollapse(e.FormKind),
		SignerID: normCollapse(e.SignerID),
		Outcome:  normCollapse(e.Outcome),
		Detail:   canonicalStringMap(e.Detail),
	}
	if ce.EventID == "" || ce.TS == "" || ce.Outcome == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrChainInvalid)
	}
	return json.Marshal(ce)
}

func canonicalStringMap(m map[string]string) []canonicalSKV {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	tmp := make(map[string]string, len(m))
	for k, v := range m {
		kk := normCollapse(k)
		if kk == "" {
			continue
		}
		tmp[kk] = normCollapse(v)
	}
	for k := range tmp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]canonicalSKV, 0, len(keys))
	for _, k := range keys {
		out = append(out, canonicalSKV{K: k, V: tmp[k]})
	}
	return out
}

func hashStep(prev string, canonicalEventJSON []byte) string {
	prev = strings.TrimSpace(prev)
	if prev == "" {
		prev = genesisPrevHash
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte("\n"))
	h.Write(canonicalEventJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func parseRFC3339Strict(s string) (time.Time, error) {
	s = normCollapse(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normCollapse(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}
