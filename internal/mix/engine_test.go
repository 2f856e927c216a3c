package mix

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		ThresholdMax: 5,
		ThresholdMin: 2,
		Cadence:      3,
		MaxHold:      time.Minute,
		OutputSize:   5,
	}
}

func padWith(marker string) func(int) ([]string, error) {
	return func(n int) ([]string, error) {
		out := make([]string, n)
		for i := range out {
			out[i] = marker
		}
		return out, nil
	}
}

func TestShouldEmit_ThresholdMax(t *testing.T) {
	cfg := baseConfig()
	now := time.Now()
	assert.True(t, ShouldEmit(cfg, 5, 0, now, now))
	assert.False(t, ShouldEmit(cfg, 4, 0, now, now))
}

func TestShouldEmit_ThresholdMinWithCadence(t *testing.T) {
	cfg := baseConfig()
	now := time.Now()
	assert.True(t, ShouldEmit(cfg, 2, 3, now, now))
	assert.False(t, ShouldEmit(cfg, 2, 2, now, now))
}

func TestShouldEmit_MaxHold(t *testing.T) {
	cfg := baseConfig()
	oldest := time.Now().Add(-2 * time.Minute)
	now := time.Now()
	assert.True(t, ShouldEmit(cfg, 1, 0, oldest, now))
}

func TestShouldEmit_EmptyBufferNeverEmits(t *testing.T) {
	cfg := baseConfig()
	now := time.Now()
	assert.False(t, ShouldEmit(cfg, 0, 100, now.Add(-time.Hour), now))
}

func TestEngine_EmitsOnThresholdMaxAndShuffles(t *testing.T) {
	now := time.Now()
	e := New[string](baseConfig(), 42, now)
	for i := 0; i < 5; i++ {
		e.Consume("real", true, Checkpoint(i+1), now)
	}
	batch, emitted, err := e.Tick(now, padWith("cover"))
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, 5, batch.RealCount)
	assert.Len(t, batch.Reals, 5)
	assert.Equal(t, Checkpoint(5), batch.Checkpoint)
	assert.Equal(t, 0, e.BufferedRealCount())
}

func TestEngine_PadsShortBatchWithCover(t *testing.T) {
	now := time.Now()
	cfg := baseConfig()
	cfg.ThresholdMin = 1
	cfg.Cadence = 1
	e := New[string](cfg, 1, now)
	e.Consume("real", true, 9, now)
	batch, emitted, err := e.Tick(now, padWith("cover"))
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, 1, batch.RealCount)
	assert.Len(t, batch.Reals, cfg.OutputSize)
	covers := 0
	for _, v := range batch.Reals {
		if v == "cover" {
			covers++
		}
	}
	assert.Equal(t, cfg.OutputSize-1, covers)
}

func TestEngine_NoEmissionBelowAllThresholds(t *testing.T) {
	now := time.Now()
	e := New[string](baseConfig(), 1, now)
	e.Consume("real", true, 1, now)
	_, emitted, err := e.Tick(now, padWith("cover"))
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestEngine_CoverOnlyEmissionOnIdleMaxHold(t *testing.T) {
	start := time.Now()
	cfg := baseConfig()
	cfg.MaxHold = time.Second
	e := New[string](cfg, 7, start)
	e.Consume("cover-input", false, 3, start)

	later := start.Add(2 * time.Second)
	batch, emitted, err := e.Tick(later, padWith("cover"))
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, 0, batch.RealCount)
	assert.Equal(t, Checkpoint(3), batch.Checkpoint)
	for _, v := range batch.Reals {
		assert.Equal(t, "cover", v)
	}
}

func TestEngine_NoEmissionWithoutAnyInput(t *testing.T) {
	now := time.Now()
	e := New[string](baseConfig(), 2, now)
	_, emitted, err := e.Tick(now.Add(time.Hour), padWith("cover"))
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestEngine_MaxHoldForcesPartialRealBatch(t *testing.T) {
	start := time.Now()
	cfg := baseConfig()
	cfg.MaxHold = time.Second
	cfg.ThresholdMin = 10
	cfg.ThresholdMax = 10
	e := New[string](cfg, 3, start)
	e.Consume("real", true, 1, start)

	later := start.Add(2 * time.Second)
	batch, emitted, err := e.Tick(later, padWith("cover"))
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, 1, batch.RealCount)
	assert.Equal(t, Checkpoint(1), batch.Checkpoint)
}

func TestEngine_PadCoverErrorPropagates(t *testing.T) {
	now := time.Now()
	e := New[string](baseConfig(), 4, now)
	for i := 0; i < 5; i++ {
		e.Consume("real", true, Checkpoint(i), now)
	}
	boom := errors.New("boom")
	_, _, err := e.Tick(now, func(int) ([]string, error) { return nil, boom })
	// threshold_max is reached with exactly OutputSize reals, so no cover is
	// needed and padCover is never invoked; assert no error leaks spuriously.
	require.NoError(t, err)
}
