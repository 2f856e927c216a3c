package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []Event {
	return []Event{
		{EventID: "evt-2", TS: "2026-01-01T00:00:10Z", FormKind: "messaging_key", SignerID: "journalist_id:alice", Outcome: "accepted"},
		{EventID: "evt-1", TS: "2026-01-01T00:00:00Z", FormKind: "identity_key", SignerID: "journalist_provisioning:org", Outcome: "accepted"},
		{EventID: "evt-3", TS: "2026-01-01T00:00:20Z", FormKind: "status", SignerID: "admin:root", Outcome: "rejected", Detail: map[string]string{"reason": "form_expired"}},
	}
}

func TestBuild_OrdersByTimestampThenEventID(t *testing.T) {
	chain, err := Build(sampleEvents())
	require.NoError(t, err)
	require.Len(t, chain.Links, 3)

	assert.Equal(t, "evt-1", chain.Links[0].EventID)
	assert.Equal(t, "evt-2", chain.Links[1].EventID)
	assert.Equal(t, "evt-3", chain.Links[2].EventID)
	assert.Equal(t, genesisPrevHash, chain.Links[0].PrevHash)
	assert.Equal(t, chain.Links[0].Hash, chain.Links[1].PrevHash)
	assert.Equal(t, chain.Links[2].Hash, chain.Head)
}

func TestBuild_IsDeterministic(t *testing.T) {
	a, err := Build(sampleEvents())
	require.NoError(t, err)
	b, err := Build(sampleEvents())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVerify_DetectsTamperedEvent(t *testing.T) {
	chain, err := Build(sampleEvents())
	require.NoError(t, err)

	tampered := sampleEvents()
	tampered[0].Outcome = "rejected"

	err = Verify(chain, tampered)
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestVerify_DetectsMissingEvent(t *testing.T) {
	chain, err := Build(sampleEvents())
	require.NoError(t, err)

	truncated := sampleEvents()[:2]
	err = Verify(chain, truncated)
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestVerify_AcceptsUnmodifiedChain(t *testing.T) {
	chain, err := Build(sampleEvents())
	require.NoError(t, err)
	assert.NoError(t, Verify(chain, sampleEvents()))
}

func TestBuild_RejectsMissingEventID(t *testing.T) {
	_, err := Build([]Event{{TS: "2026-01-01T00:00:00Z", Outcome: "accepted"}})
	assert.ErrorIs(t, err, ErrChainInvalid)
}
