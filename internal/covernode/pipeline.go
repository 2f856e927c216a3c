// Package covernode wires the mix engine, dead-drop signing, and a bounded
// three-stage pipeline (poll, mix, publish) into one direction of CoverNode
// traffic: user-to-journalist or journalist-to-user. Each direction runs
// independently and holds its own checkpoint, buffer, and key material.
package covernode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coverdrop/coverdrop/internal/covernode/coordinator"
	"github.com/coverdrop/coverdrop/internal/deaddrop"
	"github.com/coverdrop/coverdrop/internal/mix"
)

// InputChunk is one raw ciphertext the poller read from upstream (a user's
// submitted EncryptedUserToCoverNodeMessage, or a journalist's submitted
// EncryptedJournalistToCoverNodeMessage), not yet decrypted.
type InputChunk struct {
	Checkpoint mix.Checkpoint
	Raw        []byte
}

// Source polls the upstream submission store for chunks after the given
// checkpoint, oldest first, up to limit items.
type Source interface {
	Poll(ctx context.Context, after mix.Checkpoint, limit int) ([]InputChunk, error)
}

// Publisher hands a signed dead-drop to the publication API.
type Publisher interface {
	Publish(ctx context.Context, drop deaddrop.DeadDrop) error
}

// CheckpointStore persists the latest checkpoint a direction has safely
// consumed through, surviving process restarts.
type CheckpointStore interface {
	Load(ctx context.Context, direction string) (mix.Checkpoint, error)
	Save(ctx context.Context, direction string, cp mix.Checkpoint) error
}

// Decoder opens one raw input chunk, trying ranked candidate keys in turn
// (see crypto.RankedByRecency), and reports whether it decoded as real
// traffic (false for cover) plus the re-wrapped chunk ready for the dead
// drop's Data field.
type Decoder func(raw []byte) (rewrapped []byte, real bool, err error)

// CoverGenerator produces n indistinguishable cover-traffic chunks for
// padding a batch that has fewer real messages than OutputSize.
type CoverGenerator func(n int) ([][]byte, error)

// Config controls one direction's pipeline behavior.
type Config struct {
	Direction string // label for logs, pool task names and the checkpoint, e.g. store.DirectionUserToJournalist
	ChunkLen  int
	Mix       mix.Config

	// MinPollInterval/MaxPollInterval bound the adaptive poll throttle: an
	// empty poll backs off geometrically toward MaxPollInterval, and any
	// non-empty poll resets back to MinPollInterval, so the pipeline reacts
	// quickly under load without hammering the store while idle.
	MinPollInterval time.Duration
	MaxPollInterval time.Duration

	TickInterval time.Duration

	// InputBufferCapacity bounds how many decoded-but-not-yet-mixed chunks
	// may queue between the poller and the mixer before Poll backs off.
	InputBufferCapacity int

	// FatalAfterConsecutiveFailures: once the poller or the publisher fails
	// this many times in a row, the pipeline reports itself fatal and stops,
	// rather than spinning forever against a down dependency.
	FatalAfterConsecutiveFailures int32
}

func (c Config) withDefaults() Config {
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = 250 * time.Millisecond
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.InputBufferCapacity <= 0 {
		c.InputBufferCapacity = 50_000
	}
	if c.FatalAfterConsecutiveFailures <= 0 {
		c.FatalAfterConsecutiveFailures = 3
	}
	return c
}

type decoded struct {
	checkpoint mix.Checkpoint
	real       bool
	chunk      []byte
}

// Pipeline runs one direction's poll -> mix -> publish stages.
type Pipeline struct {
	cfg Config

	source      Source
	publisher   Publisher
	checkpoints CheckpointStore
	decode      Decoder
	genCover    CoverGenerator
	sign        func(data []byte, createdAt time.Time) deaddrop.DeadDrop
	logger      coordinator.LoggerFn

	pool *coordinator.Pool

	buffered chan decoded
	outbound chan outboundDrop

	consecutiveFailures atomic.Int32
	fatal               atomic.Bool
	fatalErr            atomic.Value // error
	fatalSignal         chan struct{}
	fatalOnce           sync.Once
}

// outboundDrop pairs a signed batch with the checkpoint it advances to, so
// the publisher only ever persists the checkpoint belonging to the batch it
// just successfully published, never a later one still queued behind it.
type outboundDrop struct {
	drop       deaddrop.DeadDrop
	checkpoint mix.Checkpoint
	has        bool
}

// New builds a Pipeline. sign is typically deaddrop.Sign partially applied
// to this CoverNode's identity key pair.
func New(
	cfg Config,
	source Source,
	publisher Publisher,
	checkpoints CheckpointStore,
	decode Decoder,
	genCover CoverGenerator,
	sign func(data []byte, createdAt time.Time) deaddrop.DeadDrop,
	logger coordinator.LoggerFn,
) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:         cfg,
		source:      source,
		publisher:   publisher,
		checkpoints: checkpoints,
		decode:      decode,
		genCover:    genCover,
		sign:        sign,
		logger:      logger,
		pool:        coordinator.NewPool(3, logger),
		buffered:    make(chan decoded, cfg.InputBufferCapacity),
		outbound:    make(chan outboundDrop, 16),
		fatalSignal: make(chan struct{}),
	}
}

func (p *Pipeline) declareFatal(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr.Store(err)
		p.fatal.Store(true)
		close(p.fatalSignal)
	})
}

// ErrFatal is the sentinel a caller can match against Err() to distinguish
// a deliberate shutdown from a fatal stop: too many consecutive poll or
// publish failures, or a failed checkpoint save.
var ErrFatal = errors.New("covernode: pipeline stopped on a fatal error")

// Run starts all three stages and blocks until ctx is canceled or the
// pipeline declares itself fatal.
func (p *Pipeline) Run(ctx context.Context) error {
	start, err := p.checkpoints.Load(ctx, p.cfg.Direction)
	if err != nil {
		return fmt.Errorf("covernode: load checkpoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.pool.Start(runCtx); err != nil {
		return err
	}

	submitErr := make(chan error, 3)
	submitErr <- p.pool.Submit(runCtx, p.cfg.Direction+":poll", func(ctx context.Context) error {
		return p.pollLoop(ctx, start)
	})
	submitErr <- p.pool.Submit(runCtx, p.cfg.Direction+":mix", p.mixLoop)
	submitErr <- p.pool.Submit(runCtx, p.cfg.Direction+":publish", p.publishLoop)
	close(submitErr)
	for e := range submitErr {
		if e != nil {
			cancel()
			return e
		}
	}

	select {
	case <-runCtx.Done():
		_ = p.pool.Stop(context.Background())
		return ctx.Err()
	case <-p.fatalSignal:
		cancel()
		_ = p.pool.Stop(context.Background())
		if fe, ok := p.fatalErr.Load().(error); ok {
			return fmt.Errorf("%w: %v", ErrFatal, fe)
		}
		return ErrFatal
	}
}

func (p *Pipeline) pollLoop(ctx context.Context, start mix.Checkpoint) error {
	after := start
	interval := p.cfg.MinPollInterval
	var pollFailures int32

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		chunks, err := p.source.Poll(ctx, after, 1000)
		if err != nil {
			pollFailures++
			p.logger("error", "poll_failed", map[string]any{"direction": p.cfg.Direction, "error": err.Error(), "attempt": pollFailures})
			if pollFailures >= p.cfg.FatalAfterConsecutiveFailures {
				p.declareFatal(err)
				return err
			}
		} else if len(chunks) == 0 {
			pollFailures = 0
			interval = backoff(interval, p.cfg.MaxPollInterval)
		} else {
			pollFailures = 0
			interval = p.cfg.MinPollInterval
			for _, c := range chunks {
				rewrapped, real, derr := p.decode(c.Raw)
				if derr != nil {
					p.logger("warn", "decode_failed", map[string]any{"direction": p.cfg.Direction, "error": derr.Error()})
					continue
				}
				select {
				case p.buffered <- decoded{checkpoint: c.Checkpoint, real: real, chunk: rewrapped}:
				case <-ctx.Done():
					return nil
				}
				after = c.Checkpoint
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func backoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (p *Pipeline) mixLoop(ctx context.Context) error {
	engine := mix.New[[]byte](p.cfg.Mix, rngSeedFor(p.cfg.Direction), time.Now())
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	padCover := func(n int) ([][]byte, error) { return p.genCover(n) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-p.buffered:
			engine.Consume(d.chunk, d.real, d.checkpoint, time.Now())
		case <-ticker.C:
		}

		batch, emitted, err := engine.Tick(time.Now(), padCover)
		if err != nil {
			p.logger("error", "mix_tick_failed", map[string]any{"direction": p.cfg.Direction, "error": err.Error()})
			continue
		}
		if !emitted {
			continue
		}

		data := make([]byte, 0, len(batch.Reals)*p.cfg.ChunkLen)
		for _, chunk := range batch.Reals {
			data = append(data, chunk...)
		}
		drop := p.sign(data, time.Now())

		select {
		case p.outbound <- outboundDrop{drop: drop, checkpoint: batch.Checkpoint, has: batch.HasCheckpoint}:
		case <-ctx.Done():
			return nil
		}
	}
}

func rngSeedFor(direction string) int64 {
	id := uuid.New()
	seed := int64(0)
	for i, b := range id[:8] {
		seed |= int64(b) << (8 * i)
	}
	if seed < 0 {
		seed = -seed
	}
	if seed == 0 {
		seed = int64(len(direction)) + 1
	}
	return seed
}

func (p *Pipeline) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-p.outbound:
			delay := p.cfg.MinPollInterval
			for {
				err := p.publisher.Publish(ctx, out.drop)
				if err == nil {
					break
				}
				n := p.consecutiveFailures.Add(1)
				p.logger("error", "publish_failed", map[string]any{
					"direction": p.cfg.Direction,
					"error":     err.Error(),
					"attempt":   n,
				})
				if n >= p.cfg.FatalAfterConsecutiveFailures {
					p.declareFatal(err)
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = backoff(delay, p.cfg.MaxPollInterval)
			}
			p.consecutiveFailures.Store(0)
			if out.has {
				if cerr := p.checkpoints.Save(ctx, p.cfg.Direction, out.checkpoint); cerr != nil {
					p.logger("error", "checkpoint_save_failed", map[string]any{"direction": p.cfg.Direction, "error": cerr.Error()})
					p.declareFatal(cerr)
					return cerr
				}
			}
		}
	}
}
