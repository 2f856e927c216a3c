// Command api runs the CoverDrop public API: the untrusted key-hierarchy
// bundle, dead-drop listings, signed-form key/status registration, and the
// two message-intake endpoints. It never holds a provisioning secret — see
// cmd/identity-api for the process that does. Shutdown follows the same
// signal.NotifyContext pattern the teacher's daemons use.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverdrop/coverdrop/internal/cmdconfig"
	"github.com/coverdrop/coverdrop/internal/pki/httpapi"
	"github.com/coverdrop/coverdrop/internal/pki/livestatus"
	"github.com/coverdrop/coverdrop/internal/pki/store"
	"github.com/coverdrop/coverdrop/internal/pki/submissions"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CONFIG_ROOT is optional: most deployments run on env vars alone, but
	// a mounted config directory (handled by pkg/config.Loader) can supply
	// the same values so they survive outside the process environment.
	bundle, err := cmdconfig.Load(ctx, getenv("CONFIG_ROOT", ""), "api", getenv("API_ENV", ""))
	if err != nil {
		log.Fatalf("api: load config bundle: %v", err)
	}

	addr := getenv("API_ADDR", cmdconfig.String(bundle, "http.addr", ":8080"))
	pgDSN := getenv("API_POSTGRES_DSN", cmdconfig.String(bundle, "postgres.dsn", ""))
	shutdownGrace := getenvDuration("API_SHUTDOWN_GRACE", cmdconfig.Duration(bundle, "http.shutdown_grace", 10*time.Second))

	var st store.Store
	var sub *submissions.PostgresQueue

	if pgDSN == "" {
		log.Print("api: API_POSTGRES_DSN not set, running against an in-memory store (dev mode only)")
		st = store.NewMemoryStore(nil)
	} else {
		db, err := sql.Open("postgres", pgDSN)
		if err != nil {
			log.Fatalf("api: open postgres: %v", err)
		}
		defer db.Close()

		pgStore, err := store.NewPostgresStore(db, store.PostgresOptions{})
		if err != nil {
			log.Fatalf("api: new store: %v", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("api: ensure schema: %v", err)
		}
		st = pgStore

		sub = submissions.NewPostgresQueue(db, nil)
		if err := sub.EnsureSchema(ctx); err != nil {
			log.Fatalf("api: ensure submissions schema: %v", err)
		}
	}

	srv := httpapi.NewServer(st, nil)
	if sub != nil {
		srv.Submissions = sub
	}
	srv.LiveStatus = livestatus.New()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("api: listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api: listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api: shutdown error: %v", err)
	}
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
