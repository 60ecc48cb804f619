// Package kv implements the KV Client Facade (spec.md §4.A): two logical
// connections to the shared store — one servicing request/response commands
// and control endpoints, one dedicated to long blocking list pops so that
// head-of-line blocking in a session consumer can never stall metrics or
// control traffic.
//
// Grounded on internal/service/ratelimiter/redis_lua_limiter.go's go-redis
// client construction and Lua-script usage, generalized from a single
// rate-limiter connection to the two-connection facade the dispatcher needs.
package kv

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/config"
)

// Facade bundles the shared and blocking connections.
type Facade struct {
	// Shared services request/response commands: job/task reads and writes,
	// counters, control-API queries.
	Shared *redis.Client
	// Blocking services only BLPOP/BRPOP against per-session queues, so a
	// slow or idle session can never delay the shared connection.
	Blocking *redis.Client
}

// New builds a Facade from cfg.RedisURL. Both connections prefer IPv4 and use
// a short connect timeout; the shared connection retries once per request,
// the blocking connection does not retry so a dead connection surfaces
// immediately instead of silently queueing.
func New(cfg config.Config) (*Facade, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	connectTimeout := time.Duration(cfg.KVConnectTimeoutMs) * time.Millisecond

	sharedOpt := *opt
	sharedOpt.DialTimeout = connectTimeout
	sharedOpt.MaxRetries = 1
	sharedOpt.Dialer = ipv4Dialer(connectTimeout)

	blockingOpt := *opt
	blockingOpt.DialTimeout = connectTimeout
	blockingOpt.MaxRetries = 0
	blockingOpt.Dialer = ipv4Dialer(connectTimeout)

	return &Facade{
		Shared:   redis.NewClient(&sharedOpt),
		Blocking: redis.NewClient(&blockingOpt),
	}, nil
}

func ipv4Dialer(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp4", addr)
		if err != nil {
			return d.DialContext(ctx, network, addr)
		}
		return conn, nil
	}
}

// Close closes both connections.
func (f *Facade) Close() error {
	_ = f.Shared.Close()
	return f.Blocking.Close()
}
