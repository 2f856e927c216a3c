// Package submissions is the durable hand-off between the public API's
// message-intake handlers and the CoverNode poller: a user or journalist
// POSTs an outer ciphertext, the handler enqueues it here, and the
// CoverNode's Source implementation (internal/covernode/transport) dequeues
// it in order. It implements pkg/queue's Producer/Consumer contracts —
// the teacher's own "contracts first, backend adapters after" split,
// carried over from internal/pki/store's Postgres/Memory pairing.
package submissions

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coverdrop/coverdrop/pkg/queue"
)

const (
	QueueUserToCoverNode       queue.QueueName = "u2c"
	QueueJournalistToCoverNode queue.QueueName = "j2c"
)

var _ queue.Queue = (*PostgresQueue)(nil)
var _ queue.Queue = (*MemoryQueue)(nil)

// PostgresQueue persists envelopes in a Postgres table, leasing rows by
// visibility deadline the way pkg/queue's contract documents: Dequeue marks
// a row invisible until its lease expires, Ack deletes it, Nack makes it
// visible again early.
type PostgresQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresQueue(db *sql.DB, clock func() time.Time) *PostgresQueue {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresQueue{db: db, clock: clock}
}

// EnsureSchema creates the backing table if absent. Idempotent.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS submission_envelopes (
	id BIGSERIAL PRIMARY KEY,
	queue_name TEXT NOT NULL,
	envelope_id TEXT NOT NULL DEFAULT '',
	payload BYTEA NOT NULL,
	produced_at TIMESTAMPTZ NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	visible_at TIMESTAMPTZ NOT NULL,
	dead BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS submission_envelopes_poll_idx ON submission_envelopes (queue_name, id) WHERE NOT dead;
`)
	if err != nil {
		return fmt.Errorf("submissions: ensure schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, qn queue.QueueName, env queue.Envelope) error {
	return q.EnqueueBatch(ctx, qn, []queue.Envelope{env})
}

func (q *PostgresQueue) EnqueueBatch(ctx context.Context, qn queue.QueueName, envs []queue.Envelope) error {
	if len(envs) > queue.MaxBatchSize {
		return fmt.Errorf("%w: batch exceeds %d", queue.ErrOversize, queue.MaxBatchSize)
	}
	now := q.clock().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("submissions: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	for _, env := range envs {
		n, err := queue.NormalizeEnvelope(env)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO submission_envelopes (queue_name, envelope_id, payload, produced_at, visible_at) VALUES ($1, $2, $3, $4, $4);`,
			string(qn), string(n.ID), n.Payload, now,
		); err != nil {
			return fmt.Errorf("submissions: enqueue: %w", err)
		}
	}
	return tx.Commit()
}

// Dequeue leases the oldest visible, non-dead row for qn, marking it
// invisible until visibilityTimeout elapses. The receipt is the row's id,
// stable across the lease so Ack/Nack/ExtendVisibility can address it.
func (q *PostgresQueue) Dequeue(ctx context.Context, qn queue.QueueName, pollTimeout, visibilityTimeout time.Duration) (queue.DequeueResult, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	deadline := time.Now().Add(pollTimeout)
	for {
		res, err := q.tryDequeue(ctx, qn, visibilityTimeout)
		if err == nil {
			return res, nil
		}
		if err != queue.ErrEmpty || pollTimeout <= 0 || time.Now().After(deadline) {
			return queue.DequeueResult{}, err
		}
		select {
		case <-ctx.Done():
			return queue.DequeueResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *PostgresQueue) tryDequeue(ctx context.Context, qn queue.QueueName, visibilityTimeout time.Duration) (queue.DequeueResult, error) {
	now := q.clock().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.DequeueResult{}, fmt.Errorf("submissions: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var envelopeID string
	var payload []byte
	var producedAt time.Time
	var attempt int
	row := tx.QueryRowContext(ctx,
		`SELECT id, envelope_id, payload, produced_at, attempt FROM submission_envelopes
		 WHERE queue_name = $1 AND NOT dead AND visible_at <= $2
		 ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED;`,
		string(qn), now,
	)
	if err := row.Scan(&id, &envelopeID, &payload, &producedAt, &attempt); err != nil {
		if err == sql.ErrNoRows {
			return queue.DequeueResult{}, queue.ErrEmpty
		}
		return queue.DequeueResult{}, fmt.Errorf("submissions: dequeue: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE submission_envelopes SET visible_at = $1, attempt = attempt + 1 WHERE id = $2;`,
		now.Add(visibilityTimeout), id,
	); err != nil {
		return queue.DequeueResult{}, fmt.Errorf("submissions: lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.DequeueResult{}, fmt.Errorf("submissions: commit dequeue: %w", err)
	}

	_ = envelopeID // carried for traceability only; sequencing uses the row id below
	return queue.DequeueResult{
		Env: queue.Envelope{
			Queue:      qn,
			ID:         queue.EnvelopeID(strconv.FormatInt(id, 10)),
			Type:       "submission",
			ProducedAt: producedAt,
			Attempt:    attempt,
			Payload:    payload,
		},
		Receipt: strconv.FormatInt(id, 10),
	}, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, qn queue.QueueName, receipt string) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM submission_envelopes WHERE id = $1 AND queue_name = $2;`, id, string(qn))
	if err != nil {
		return fmt.Errorf("submissions: ack: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, qn queue.QueueName, receipt string, delay time.Duration) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE submission_envelopes SET visible_at = $1 WHERE id = $2 AND queue_name = $3;`,
		q.clock().UTC().Add(delay), id, string(qn))
	if err != nil {
		return fmt.Errorf("submissions: nack: %w", err)
	}
	return nil
}

func (q *PostgresQueue) NackWithDeadLetter(ctx context.Context, qn queue.QueueName, receipt string, delay time.Duration, reason string) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	var attempt int
	if err := q.db.QueryRowContext(ctx, `SELECT attempt FROM submission_envelopes WHERE id = $1;`, id).Scan(&attempt); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("submissions: nack-dlq lookup: %w", err)
	}
	if attempt >= queue.MaxRecommendedAttempts {
		_, err = q.db.ExecContext(ctx, `UPDATE submission_envelopes SET dead = true WHERE id = $1;`, id)
	} else {
		_, err = q.db.ExecContext(ctx,
			`UPDATE submission_envelopes SET visible_at = $1 WHERE id = $2;`,
			q.clock().UTC().Add(delay), id)
	}
	if err != nil {
		return fmt.Errorf("submissions: nack-dlq: %w", err)
	}
	return nil
}

func (q *PostgresQueue) ExtendVisibility(ctx context.Context, qn queue.QueueName, receipt string, visibilityTimeout time.Duration) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE submission_envelopes SET visible_at = $1 WHERE id = $2 AND queue_name = $3;`,
		q.clock().UTC().Add(visibilityTimeout), id, string(qn))
	if err != nil {
		return fmt.Errorf("submissions: extend visibility: %w", err)
	}
	return nil
}

// MemoryQueue is an in-process Queue for local development and tests,
// mirroring the Postgres/Memory split internal/pki/store uses.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memRow
	clock  func() time.Time
}

type memRow struct {
	queue      queue.QueueName
	envelopeID string
	payload    []byte
	producedAt time.Time
	attempt    int
	visibleAt  time.Time
	dead       bool
}

func NewMemoryQueue(clock func() time.Time) *MemoryQueue {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryQueue{rows: map[int64]*memRow{}, clock: clock}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, qn queue.QueueName, env queue.Envelope) error {
	return q.EnqueueBatch(ctx, qn, []queue.Envelope{env})
}

func (q *MemoryQueue) EnqueueBatch(ctx context.Context, qn queue.QueueName, envs []queue.Envelope) error {
	if len(envs) > queue.MaxBatchSize {
		return fmt.Errorf("%w: batch exceeds %d", queue.ErrOversize, queue.MaxBatchSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()
	for _, env := range envs {
		n, err := queue.NormalizeEnvelope(env)
		if err != nil {
			return err
		}
		q.nextID++
		q.rows[q.nextID] = &memRow{
			queue:      qn,
			envelopeID: string(n.ID),
			payload:    n.Payload,
			producedAt: now,
			visibleAt:  now,
		}
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, qn queue.QueueName, pollTimeout, visibilityTimeout time.Duration) (queue.DequeueResult, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	deadline := time.Now().Add(pollTimeout)
	for {
		if res, ok := q.tryDequeue(qn, visibilityTimeout); ok {
			return res, nil
		}
		if pollTimeout <= 0 || time.Now().After(deadline) {
			return queue.DequeueResult{}, queue.ErrEmpty
		}
		select {
		case <-ctx.Done():
			return queue.DequeueResult{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryDequeue(qn queue.QueueName, visibilityTimeout time.Duration) (queue.DequeueResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()

	var bestID int64 = -1
	for id, r := range q.rows {
		if r.queue != qn || r.dead || r.visibleAt.After(now) {
			continue
		}
		if bestID == -1 || id < bestID {
			bestID = id
		}
	}
	if bestID == -1 {
		return queue.DequeueResult{}, false
	}
	r := q.rows[bestID]
	r.attempt++
	r.visibleAt = now.Add(visibilityTimeout)
	return queue.DequeueResult{
		Env: queue.Envelope{
			Queue:      qn,
			ID:         queue.EnvelopeID(strconv.FormatInt(bestID, 10)),
			Type:       "submission",
			ProducedAt: r.producedAt,
			Attempt:    r.attempt,
			Payload:    r.payload,
		},
		Receipt: strconv.FormatInt(bestID, 10),
	}, true
}

func (q *MemoryQueue) Ack(ctx context.Context, qn queue.QueueName, receipt string) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.rows, id)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, qn queue.QueueName, receipt string, delay time.Duration) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.rows[id]; ok {
		r.visibleAt = q.clock().UTC().Add(delay)
	}
	return nil
}

func (q *MemoryQueue) NackWithDeadLetter(ctx context.Context, qn queue.QueueName, receipt string, delay time.Duration, reason string) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[id]
	if !ok {
		return nil
	}
	if r.attempt >= queue.MaxRecommendedAttempts {
		r.dead = true
	} else {
		r.visibleAt = q.clock().UTC().Add(delay)
	}
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, qn queue.QueueName, receipt string, visibilityTimeout time.Duration) error {
	id, err := strconv.ParseInt(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed receipt", queue.ErrInvalid)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.rows[id]; ok {
		r.visibleAt = q.clock().UTC().Add(visibilityTimeout)
	}
	return nil
}
