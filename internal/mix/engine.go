// Package mix implements the threshold batching/shuffling engine shared by
// both CoverNode pipeline directions. The engine itself knows nothing about
// CoverNode transport, key state, or HTTP — it is a pure, deterministically
// testable buffer with one side effect-free decision function, ShouldEmit.
package mix

import (
	"math/rand"
	"time"
)

// Checkpoint is an opaque, comparable marker for "how far into the input
// stream this item came from". internal/covernode supplies the concrete
// type (a stream sequence number); the mix engine only ever copies it
// forward, never interprets it.
type Checkpoint = uint64

// Config controls when the engine emits a batch.
type Config struct {
	// ThresholdMax: emit immediately once the buffer reaches this many
	// real messages, regardless of cadence or hold time.
	ThresholdMax int
	// ThresholdMin: combined with Cadence, allows emitting a smaller
	// batch once enough input cycles have passed.
	ThresholdMin int
	// Cadence is the number of input cycles (Consume calls) that must
	// elapse since the last emission before ThresholdMin applies.
	Cadence int
	// MaxHold bounds how long a real message can sit in the buffer before
	// it is forced out, even below ThresholdMin.
	MaxHold time.Duration
	// OutputSize is the fixed number of ciphertext slots in every emitted
	// batch; slots beyond the available reals are filled with cover.
	OutputSize int
}

type buffered[T any] struct {
	item       T
	checkpoint Checkpoint
	enqueuedAt time.Time
}

// Engine buffers real messages of type T and decides when to emit a
// constant-size, shuffled batch. T is typically a fixed-length ciphertext
// chunk type from package protocol.
type Engine[T any] struct {
	cfg Config
	rng *rand.Rand

	buffer              []buffered[T]
	inputsSinceEmission int
	latestInputCP       Checkpoint
	haveLatestInputCP   bool
	lastEmission        time.Time
}

// New creates an Engine. rngSeed should come from a real CSPRNG read once at
// process start; shuffling does not need to be unpredictable to an attacker
// who already sees the whole batch, only uniform, so a seeded PRNG is
// sufficient and keeps ShouldEmit's batch-content decisions out of band from
// its shuffle order.
func New[T any](cfg Config, rngSeed int64, now time.Time) *Engine[T] {
	return &Engine[T]{cfg: cfg, rng: rand.New(rand.NewSource(rngSeed)), lastEmission: now}
}

// Batch is one emitted, constant-size, shuffled output.
type Batch[T any] struct {
	Reals      []T
	RealCount  int
	Checkpoint Checkpoint
	// HasCheckpoint is false only if the engine has never observed any
	// input (neither real nor cover) at all, which happens only before
	// the very first Consume call.
	HasCheckpoint bool
}

// Consume records one input message. If real is true, item is buffered for
// a future emission; cover inputs only advance bookkeeping. checkpoint marks
// this item's position in the upstream source and becomes the new
// latest-input checkpoint regardless of whether the item was real or cover.
//
// Consume never emits by itself: callers drive emission by calling Tick
// after each Consume (or on its own timer when the input stream is idle),
// matching the pipeline's poll-then-evaluate loop.
func (e *Engine[T]) Consume(item T, real bool, checkpoint Checkpoint, now time.Time) {
	e.latestInputCP = checkpoint
	e.haveLatestInputCP = true
	e.inputsSinceEmission++
	if real {
		e.buffer = append(e.buffer, buffered[T]{item: item, checkpoint: checkpoint, enqueuedAt: now})
	}
}

// ShouldEmit is the pure emission predicate, exposed separately from Tick so
// it can be tested exhaustively without constructing an Engine.
func ShouldEmit(cfg Config, bufferLen, inputsSinceEmission int, oldestEnqueuedAt, now time.Time) bool {
	if bufferLen == 0 {
		return false
	}
	if bufferLen >= cfg.ThresholdMax {
		return true
	}
	if bufferLen >= cfg.ThresholdMin && inputsSinceEmission >= cfg.Cadence {
		return true
	}
	if now.Sub(oldestEnqueuedAt) >= cfg.MaxHold {
		return true
	}
	return false
}

// Tick evaluates whether to emit given the current buffer state and, if so,
// drains up to OutputSize real messages (oldest first) into a uniformly
// shuffled, cover-padded batch.
//
// When the buffer is empty but MaxHold has elapsed since the last emission,
// Tick still emits a cover-only batch to keep the CoverNode's output cadence
// constant whether or not anyone is using the system. Its checkpoint is the
// latest input checkpoint observed so far: since no real message is being
// carried, there is nothing that checkpoint could cause to be lost, and
// advancing it lets the poller's own backlog accounting stay accurate.
// A batch that does carry real messages always checkpoints to the latest
// real message included, never further — so a crash between emission and
// the publisher's POST redelivers, at most, messages already sent, never
// drops one (see SPEC_FULL.md's at-least-once resolution).
func (e *Engine[T]) Tick(now time.Time, padCover func(n int) ([]T, error)) (Batch[T], bool, error) {
	bufferLen := len(e.buffer)

	if bufferLen == 0 {
		if e.haveLatestInputCP && now.Sub(e.lastEmission) >= e.cfg.MaxHold {
			cover, err := padCover(e.cfg.OutputSize)
			if err != nil {
				return Batch[T]{}, false, err
			}
			e.lastEmission = now
			e.inputsSinceEmission = 0
			return Batch[T]{Reals: cover, RealCount: 0, Checkpoint: e.latestInputCP, HasCheckpoint: true}, true, nil
		}
		return Batch[T]{}, false, nil
	}

	oldest := e.buffer[0].enqueuedAt
	if !ShouldEmit(e.cfg, bufferLen, e.inputsSinceEmission, oldest, now) {
		return Batch[T]{}, false, nil
	}

	take := bufferLen
	if take > e.cfg.OutputSize {
		take = e.cfg.OutputSize
	}
	drained := e.buffer[:take]
	e.buffer = append([]buffered[T]{}, e.buffer[take:]...)

	latestReal := drained[len(drained)-1].checkpoint
	items := make([]T, 0, e.cfg.OutputSize)
	for _, b := range drained {
		items = append(items, b.item)
	}

	coverNeeded := e.cfg.OutputSize - len(items)
	if coverNeeded > 0 {
		cover, err := padCover(coverNeeded)
		if err != nil {
			return Batch[T]{}, false, err
		}
		items = append(items, cover...)
	}

	e.rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })

	e.lastEmission = now
	e.inputsSinceEmission = 0

	return Batch[T]{Reals: items, RealCount: take, Checkpoint: latestReal, HasCheckpoint: true}, true, nil
}

// BufferedRealCount reports the number of real messages currently buffered,
// for metrics/backpressure reporting.
func (e *Engine[T]) BufferedRealCount() int { return len(e.buffer) }
