// Package cmdconfig is the thin layer every cmd/ entrypoint uses to load an
// optional on-disk config bundle through pkg/config.Loader, supplementing
// the env-var defaults each entrypoint already falls back to. pkg/config
// itself stays generic (any service, any tenant); this package adds the
// typed lookups it deliberately omits, scoped to what CoverDrop's
// entrypoints actually need to read out of a merged document.
package cmdconfig

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/coverdrop/coverdrop/pkg/config"
)

// Load builds a Bundle for service under root, or returns (nil, nil) if
// root is empty — callers treat a nil Bundle as "no config file, env vars
// only", which is the common case for a single-node dev run.
func Load(ctx context.Context, root, service, env string) (*config.Bundle, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, nil
	}
	loader, err := config.NewLoader(root, config.Options{Service: service, Env: env})
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx)
}

// String reads a dotted path (e.g. "http.addr") out of bundle.Merged,
// falling back to def if the bundle is nil or the path is absent or not a
// string.
func String(bundle *config.Bundle, path, def string) string {
	v, ok := lookup(bundle, path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Duration reads a dotted path as a Go duration string (e.g. "30s").
func Duration(bundle *config.Bundle, path string, def time.Duration) time.Duration {
	s := String(bundle, path, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Int reads a dotted path as an integer. pkg/config decodes numbers as
// json.Number; float64 values and numeric strings are accepted too.
func Int(bundle *config.Bundle, path string, def int) int {
	v, ok := lookup(bundle, path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func lookup(bundle *config.Bundle, path string) (any, bool) {
	if bundle == nil || bundle.Merged == nil {
		return nil, false
	}
	segs := strings.Split(path, ".")
	var cur any = bundle.Merged
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
