package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"trafficgw/internal/server/queue"
	"trafficgw/internal/server/queue/clickhouseq"
	"trafficgw/internal/server/queue/duckdbq"
	"trafficgw/internal/server/queue/httpq"
	"trafficgw/internal/server/queue/pgq"
	"trafficgw/internal/server/queue/redisq"
	"trafficgw/internal/server/queue/sqliteq"
)

// OpenBinding resolves a queue reference by its URL scheme. An empty
// reference is not an error: the gateway runs without a binding and every
// send is reported as not configured.
func OpenBinding(ctx context.Context, cfg QueueConfig) (queue.Binding, error) {
	ref := strings.TrimSpace(cfg.URL)
	if ref == "" {
		return nil, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("queue url: %w", err)
	}

	var b queue.Binding
	switch strings.ToLower(u.Scheme) {
	case "memory":
		b, err = queue.NewMemory(), nil
	case "redis", "rediss":
		b, err = asBinding(redisq.Open(ctx, ref, cfg.Name))
	case "http", "https":
		b, err = asBinding(httpq.New(httpq.Options{URL: ref, Token: cfg.Token, Gzip: true}))
	case "sqlite":
		b, err = asBinding(sqliteq.Open(spoolPath(ref, "sqlite"), cfg.Name))
	case "duckdb":
		b, err = asBinding(duckdbq.Open(spoolPath(ref, "duckdb"), cfg.Name))
	case "postgres", "postgresql":
		b, err = asBinding(pgq.Open(ctx, ref, cfg.Name))
	case "clickhouse":
		b, err = asBinding(clickhouseq.Open(ctx, ref, cfg.Name))
	default:
		return nil, fmt.Errorf("queue url: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// asBinding keeps a failed open from leaking a typed nil into the interface.
func asBinding[T queue.Binding](b T, err error) (queue.Binding, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// spoolPath keeps everything after "scheme://" so both relative
// (sqlite://./spool.db) and absolute (sqlite:///var/spool.db) paths work.
func spoolPath(ref, scheme string) string {
	return ref[len(scheme)+len("://"):]
}
