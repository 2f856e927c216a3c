// Command covernode runs a CoverNode process: two independent pipelines,
// user-to-journalist and journalist-to-user, each polling the submissions
// queue, decrypting with this node's own messaging keys, mixing with
// cover traffic, and publishing signed dead-drops to the PKI store. Follows
// the same env-configured, signal.NotifyContext-shutdown, background
// health-server shape as the teacher's services/crypto-stream daemon.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverdrop/coverdrop/internal/cmdconfig"
	"github.com/coverdrop/coverdrop/internal/covernode"
	"github.com/coverdrop/coverdrop/internal/covernode/keystore"
	"github.com/coverdrop/coverdrop/internal/covernode/transport"
	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/deaddrop"
	"github.com/coverdrop/coverdrop/internal/mix"
	"github.com/coverdrop/coverdrop/internal/pki/diskformat"
	"github.com/coverdrop/coverdrop/internal/pki/store"
	"github.com/coverdrop/coverdrop/internal/pki/submissions"
	"github.com/coverdrop/coverdrop/internal/protocol"
	"github.com/coverdrop/coverdrop/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := cmdconfig.Load(ctx, getenv("CONFIG_ROOT", ""), "covernode", getenv("COVERNODE_ENV", ""))
	if err != nil {
		log.Fatalf("covernode: load config bundle: %v", err)
	}

	pgDSN := getenv("COVERNODE_POSTGRES_DSN", cmdconfig.String(bundle, "postgres.dsn", ""))
	if pgDSN == "" {
		log.Fatal("covernode: COVERNODE_POSTGRES_DSN is required")
	}
	keyDir := getenv("COVERNODE_KEY_DIR", cmdconfig.String(bundle, "keystore.dir", "./covernode-data/keys"))
	checkpointDir := getenv("COVERNODE_CHECKPOINT_DIR", cmdconfig.String(bundle, "checkpoints.dir", "./covernode-data/checkpoints"))
	identityPath := getenv("COVERNODE_IDENTITY_KEY_PATH", cmdconfig.String(bundle, "identity.key_path", "./covernode-data/identity.signingkeypair.json"))
	healthAddr := getenv("COVERNODE_HEALTH_ADDR", cmdconfig.String(bundle, "health.addr", ":8090"))
	resolverRefresh := getenvDuration("COVERNODE_RESOLVER_REFRESH", cmdconfig.Duration(bundle, "resolver.refresh", 15*time.Second))

	logger := telemetry.NewDefaultLogger(os.Stdout, "covernode")
	meter := telemetry.NopMeterInstance

	db, err := sql.Open("postgres", pgDSN)
	if err != nil {
		log.Fatalf("covernode: open postgres: %v", err)
	}
	defer db.Close()

	st, err := store.NewPostgresStore(db, store.PostgresOptions{})
	if err != nil {
		log.Fatalf("covernode: new store: %v", err)
	}

	q := submissions.NewPostgresQueue(db, nil)
	if err := q.EnsureSchema(ctx); err != nil {
		log.Fatalf("covernode: ensure submissions schema: %v", err)
	}

	ks, err := keystore.New(keyDir)
	if err != nil {
		log.Fatalf("covernode: load keystore: %v", err)
	}

	identity, _, err := diskformat.ReadSignedSigningKeyPair[crypto.CoverNodeId](identityPath)
	if err != nil {
		log.Fatalf("covernode: load identity key: %v", err)
	}

	resolver := transport.NewJournalistResolver(st)
	if err := resolver.Refresh(ctx); err != nil {
		logger.Warn(ctx, "initial journalist resolver refresh failed", map[string]any{"error": err.Error()})
	}
	go resolverRefreshLoop(ctx, resolver, resolverRefresh, logger)

	maxEpoch, err := st.MaxEpoch(ctx)
	if err != nil {
		log.Fatalf("covernode: read max epoch: %v", err)
	}

	sign := func(data []byte, createdAt time.Time, epoch *uint32) deaddrop.DeadDrop {
		return deaddrop.Sign(identity.KeyPair, data, createdAt, epoch)
	}

	u2jPipeline := newU2JPipeline(identity, ks, q, st, resolver, checkpointDir, maxEpoch, sign, logger, meter)
	j2uPipeline := newJ2UPipeline(ks, q, st, checkpointDir, sign, logger, meter)

	go runPipeline(ctx, "user-to-journalist", u2jPipeline, logger)
	go runPipeline(ctx, "journalist-to-user", j2uPipeline, logger)

	go serveHealth(healthAddr, ks, logger)

	<-ctx.Done()
	logger.Info(context.Background(), "covernode shutting down", nil)
}

func runPipeline(ctx context.Context, direction string, p *covernode.Pipeline, logger *telemetry.Logger) {
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(context.Background(), "pipeline stopped", map[string]any{"direction": direction, "error": err.Error()})
	}
}

func resolverRefreshLoop(ctx context.Context, r *transport.JournalistResolver, every time.Duration, logger *telemetry.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Warn(context.Background(), "journalist resolver refresh failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func newU2JPipeline(
	identity crypto.SignedSigningKeyPair[crypto.CoverNodeId],
	ks *keystore.Keystore,
	q *submissions.PostgresQueue,
	st store.Store,
	resolver *transport.JournalistResolver,
	checkpointDir string,
	maxEpoch uint32,
	signWithEpoch func(data []byte, createdAt time.Time, epoch *uint32) deaddrop.DeadDrop,
	logger *telemetry.Logger,
	meter telemetry.Meter,
) *covernode.Pipeline {
	source := &transport.QueueSource{Queue: q, QueueName: submissions.QueueUserToCoverNode}
	publisher := &transport.StorePublisher{Store: st, Direction: store.DirectionUserToJournalist}
	checkpoints := &transport.FileCheckpointStore{Dir: checkpointDir}

	decode := covernode.NewUserToJournalistDecoder(ks.RankedSecrets, resolver.Resolve, meter)

	genCover := func(n int) ([][]byte, error) {
		secrets := ks.RankedSecrets()
		if len(secrets) == 0 {
			return nil, fmt.Errorf("covernode: no messaging secret available to seal cover traffic")
		}
		out := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			chunk, err := protocol.SealCoverCoverNodeToJournalistMessage(secrets[0])
			if err != nil {
				return nil, err
			}
			out = append(out, chunk[:])
		}
		return out, nil
	}

	// epoch is the max epoch observed at startup; U2J dead-drops are tagged
	// with it so clients can tell which key generation signed a batch.
	epoch := maxEpoch
	sign := func(data []byte, createdAt time.Time) deaddrop.DeadDrop {
		return signWithEpoch(data, createdAt, &epoch)
	}

	cfg := covernode.Config{
		Direction: store.DirectionUserToJournalist,
		ChunkLen:  protocol.CoverNodeToJournalistEncryptedLen,
		Mix: mix.Config{
			ThresholdMax: 50,
			ThresholdMin: 5,
			Cadence:      10,
			MaxHold:      2 * time.Second,
			OutputSize:   50,
		},
	}
	return covernode.New(cfg, source, publisher, checkpoints, decode, genCover, sign, logger.LogFn())
}

func newJ2UPipeline(
	ks *keystore.Keystore,
	q *submissions.PostgresQueue,
	st store.Store,
	checkpointDir string,
	signWithEpoch func(data []byte, createdAt time.Time, epoch *uint32) deaddrop.DeadDrop,
	logger *telemetry.Logger,
	meter telemetry.Meter,
) *covernode.Pipeline {
	source := &transport.QueueSource{Queue: q, QueueName: submissions.QueueJournalistToCoverNode}
	publisher := &transport.StorePublisher{Store: st, Direction: store.DirectionJournalistToUser}
	checkpoints := &transport.FileCheckpointStore{Dir: checkpointDir}

	decode := covernode.NewJournalistToUserDecoder(ks.RankedSecrets, meter)

	genCover := func(n int) ([][]byte, error) {
		out := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			chunk, err := protocol.SealCoverJournalistToUserMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, chunk[:])
		}
		return out, nil
	}

	sign := func(data []byte, createdAt time.Time) deaddrop.DeadDrop {
		return signWithEpoch(data, createdAt, nil)
	}

	cfg := covernode.Config{
		Direction: store.DirectionJournalistToUser,
		ChunkLen:  protocol.JournalistToUserEncryptedMessageLen,
		Mix: mix.Config{
			ThresholdMax: 50,
			ThresholdMin: 5,
			Cadence:      10,
			MaxHold:      2 * time.Second,
			OutputSize:   50,
		},
	}
	return covernode.New(cfg, source, publisher, checkpoints, decode, genCover, sign, logger.LogFn())
}

func serveHealth(addr string, ks *keystore.Keystore, logger *telemetry.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		valid := ks.Valid(time.Now().UTC())
		w.Header().Set("content-type", "application/json; charset=utf-8")
		if valid == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Status           string `json:"status"`
			ValidMessageKeys int    `json:"valid_message_keys"`
		}{
			Status:           okOrDegraded(valid),
			ValidMessageKeys: valid,
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(context.Background(), "health server stopped", map[string]any{"error": err.Error()})
	}
}

func okOrDegraded(validKeys int) string {
	if validKeys > 0 {
		return "ok"
	}
	return "degraded"
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
