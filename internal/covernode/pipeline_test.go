package covernode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/deaddrop"
	"github.com/coverdrop/coverdrop/internal/mix"
)

type fakeSource struct {
	mu     sync.Mutex
	chunks []InputChunk
}

func (f *fakeSource) Poll(ctx context.Context, after mix.Checkpoint, limit int) ([]InputChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []InputChunk
	for _, c := range f.chunks {
		if c.Checkpoint > after {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	drops []deaddrop.DeadDrop
	done  chan struct{}
	want  int
}

func (f *fakePublisher) Publish(ctx context.Context, drop deaddrop.DeadDrop) error {
	f.mu.Lock()
	f.drops = append(f.drops, drop)
	n := len(f.drops)
	f.mu.Unlock()
	if n >= f.want {
		select {
		case <-f.done:
		default:
			close(f.done)
		}
	}
	return nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]mix.Checkpoint
}

func (m *memCheckpoints) Load(ctx context.Context, direction string) (mix.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[direction], nil
}

func (m *memCheckpoints) Save(ctx context.Context, direction string, cp mix.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]mix.Checkpoint{}
	}
	m.saved[direction] = cp
	return nil
}

func TestPipeline_PublishesRealMessagesAndAdvancesCheckpoint(t *testing.T) {
	coverNodeKeys, err := crypto.GenerateSigningKeyPair[crypto.CoverNodeId]()
	require.NoError(t, err)

	source := &fakeSource{chunks: []InputChunk{
		{Checkpoint: 1, Raw: []byte("a")},
		{Checkpoint: 2, Raw: []byte("b")},
		{Checkpoint: 3, Raw: []byte("c")},
	}}
	publisher := &fakePublisher{done: make(chan struct{}), want: 1}
	checkpoints := &memCheckpoints{}

	cfg := Config{
		Direction: "user-to-journalist",
		ChunkLen:  1,
		Mix: mix.Config{
			ThresholdMax: 3,
			ThresholdMin: 1,
			Cadence:      1,
			MaxHold:      time.Hour,
			OutputSize:   3,
		},
		MinPollInterval: 5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
	}

	decode := func(raw []byte) ([]byte, bool, error) { return raw, true, nil }
	genCover := func(n int) ([][]byte, error) {
		out := make([][]byte, n)
		for i := range out {
			out[i] = []byte("x")
		}
		return out, nil
	}
	sign := func(data []byte, createdAt time.Time) deaddrop.DeadDrop {
		return deaddrop.Sign(coverNodeKeys, data, createdAt, nil)
	}

	p := New(cfg, source, publisher, checkpoints, decode, genCover, sign, func(string, string, map[string]any) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-publisher.done:
	case <-time.After(900 * time.Millisecond):
		t.Fatal("timed out waiting for a publish")
	}
	cancel()
	<-done

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.NotEmpty(t, publisher.drops)
	assert.Len(t, publisher.drops[0].Data, 3)

	cp, _ := checkpoints.Load(context.Background(), "user-to-journalist")
	assert.GreaterOrEqual(t, cp, mix.Checkpoint(1))
}
