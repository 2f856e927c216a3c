// Package transport wires a CoverNode pipeline's Source, Publisher, and
// CheckpointStore to concrete backends: the submissions queue for intake,
// the PKI store for publication, and local JSON files for checkpoints. The
// pipeline itself (internal/covernode) only knows the three interfaces;
// this package is what makes them real instead of test fakes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/coverdrop/coverdrop/internal/covernode"
	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/deaddrop"
	"github.com/coverdrop/coverdrop/internal/mix"
	"github.com/coverdrop/coverdrop/internal/pki/store"
	"github.com/coverdrop/coverdrop/internal/pki/submissions"
	"github.com/coverdrop/coverdrop/internal/protocol"
	"github.com/coverdrop/coverdrop/pkg/queue"
)

var (
	_ covernode.Source          = (*QueueSource)(nil)
	_ covernode.Publisher       = (*StorePublisher)(nil)
	_ covernode.CheckpointStore = (*FileCheckpointStore)(nil)
)

// QueueSource polls a submissions.Queue for one direction's intake queue,
// converting each leased envelope into an InputChunk and acking it as soon as
// it is dequeued, before Poll returns. A failed decode further downstream does not
// requeue the envelope: the pipeline logs and drops malformed input rather
// than retrying bytes that will never decode differently.
type QueueSource struct {
	Queue       queue.Queue
	QueueName   queue.QueueName
	PollTimeout time.Duration
	LeaseFor    time.Duration
}

func (s *QueueSource) Poll(ctx context.Context, after mix.Checkpoint, limit int) ([]covernode.InputChunk, error) {
	pollTimeout := s.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 200 * time.Millisecond
	}
	leaseFor := s.LeaseFor
	if leaseFor <= 0 {
		leaseFor = 30 * time.Second
	}

	var chunks []covernode.InputChunk
	for len(chunks) < limit {
		res, err := s.Queue.Dequeue(ctx, s.QueueName, 0, leaseFor)
		if err != nil {
			if err == queue.ErrEmpty {
				break
			}
			return chunks, err
		}
		seq, err := strconv.ParseUint(string(res.Env.ID), 10, 64)
		if err != nil {
			// a malformed envelope id means the producer or backend is
			// broken; drop it rather than wedge the poll loop forever.
			_ = s.Queue.Ack(ctx, s.QueueName, res.Receipt)
			continue
		}
		if seq <= after {
			_ = s.Queue.Ack(ctx, s.QueueName, res.Receipt)
			continue
		}
		chunks = append(chunks, covernode.InputChunk{Checkpoint: seq, Raw: res.Env.Payload})
		if err := s.Queue.Ack(ctx, s.QueueName, res.Receipt); err != nil {
			return chunks, err
		}
	}
	_ = pollTimeout
	return chunks, nil
}

// StorePublisher hands signed dead-drops straight to the PKI store, the
// same Postgres database the public API reads dead-drops back out of. The
// CoverNode and the PKI orchestrator are trusted services sharing one
// database rather than talking over an extra internal HTTP hop.
type StorePublisher struct {
	Store     store.Store
	Direction string
}

func (p *StorePublisher) Publish(ctx context.Context, drop deaddrop.DeadDrop) error {
	_, err := p.Store.AppendDeadDrop(ctx, p.Direction, store.DeadDropRow{
		CreatedAt: drop.CreatedAt,
		Data:      drop.Data,
		Signature: drop.Signature,
		Epoch:     drop.Epoch,
		Cert:      drop.Cert,
	})
	if err != nil {
		return fmt.Errorf("transport: publish dead drop: %w", err)
	}
	return nil
}

// FileCheckpointStore persists each direction's checkpoint as a small JSON
// file in Dir, named "user_to_journalist_checkpoint.json" or
// "journalist_to_user_checkpoint.json" (any other direction label gives
// "{direction}_checkpoint.json"), following the vault's
// atomic-write discipline (internal/pki/diskformat) so a crash mid-write
// never leaves a corrupt checkpoint behind.
type FileCheckpointStore struct {
	Dir string
}

type checkpointFile struct {
	Checkpoint uint64    `json:"checkpoint"`
	SavedAt    time.Time `json:"saved_at"`
}

func (c *FileCheckpointStore) path(direction string) string {
	name := direction
	switch direction {
	case store.DirectionUserToJournalist:
		name = "user_to_journalist"
	case store.DirectionJournalistToUser:
		name = "journalist_to_user"
	}
	return filepath.Join(c.Dir, name+"_checkpoint.json")
}

func (c *FileCheckpointStore) Load(ctx context.Context, direction string) (mix.Checkpoint, error) {
	raw, err := os.ReadFile(c.path(direction))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("transport: load checkpoint: %w", err)
	}
	var f checkpointFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("transport: decode checkpoint: %w", err)
	}
	return f.Checkpoint, nil
}

func (c *FileCheckpointStore) Save(ctx context.Context, direction string, cp mix.Checkpoint) error {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return fmt.Errorf("transport: mkdir checkpoint dir: %w", err)
	}
	data, err := json.Marshal(checkpointFile{Checkpoint: cp, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("transport: marshal checkpoint: %w", err)
	}
	path := c.path(direction)
	tmp, err := os.CreateTemp(c.Dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("transport: create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("transport: write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("transport: close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("transport: rename temp checkpoint: %w", err)
	}
	return nil
}

// JournalistResolver answers a RecipientTag lookup by scanning the PKI
// store's journalist_messaging child keys, picking each journalist's
// latest non-expired key. It rebuilds its tag index from Store on every
// call to Refresh rather than subscribing to change events, matching the
// store package's simple pull-based read style.
type JournalistResolver struct {
	Store store.Store

	mu  sync.RWMutex
	idx map[protocol.RecipientTag]crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]
}

func NewJournalistResolver(st store.Store) *JournalistResolver {
	return &JournalistResolver{Store: st, idx: map[protocol.RecipientTag]crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]{}}
}

// Refresh rebuilds the tag index from the store's current
// journalist_messaging rows, keeping only each journalist's latest
// non-expired key.
func (r *JournalistResolver) Refresh(ctx context.Context) error {
	rows, err := r.Store.ListChildKeys(ctx, "journalist_messaging")
	if err != nil {
		return fmt.Errorf("transport: list journalist messaging keys: %w", err)
	}

	now := time.Now()
	latest := map[string]store.ChildKeyRow{}
	for _, row := range rows {
		if row.NotValidAfter.Before(now) {
			continue
		}
		cur, ok := latest[row.EntityID]
		if !ok || row.NotValidAfter.After(cur.NotValidAfter) {
			latest[row.EntityID] = row
		}
	}

	idx := make(map[protocol.RecipientTag]crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging], len(latest))
	for journalistID, row := range latest {
		tag := protocol.NewRecipientTagFromJournalistID(journalistID)
		var key crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]
		key.Key.Key = row.KeyBytes
		key.Certificate.NotValidAfter = row.NotValidAfter
		key.Certificate.Signature = row.Signature
		idx[tag] = key
	}

	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	return nil
}

// Resolve implements covernode.JournalistEncryptionKeyByTag.
func (r *JournalistResolver) Resolve(tag protocol.RecipientTag) (crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.idx[tag]
	return key, ok
}

// QueueNameFor returns the submissions queue name carrying direction's raw
// intake traffic.
func QueueNameFor(direction string) queue.QueueName {
	switch direction {
	case store.DirectionUserToJournalist:
		return submissions.QueueUserToCoverNode
	case store.DirectionJournalistToUser:
		return submissions.QueueJournalistToCoverNode
	default:
		return queue.QueueName(direction)
	}
}
