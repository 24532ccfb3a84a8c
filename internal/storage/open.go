package storage

import (
	"context"
	"errors"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Backends lists every backend name Open understands.
var Backends = []string{BackendMemory, BackendBolt, BackendRedis, BackendMySQL}

// Open builds the store named by backend. addr is a file path for bolt,
// host:port for redis and a DSN for mysql; memory ignores it.
func Open(ctx context.Context, backend, addr string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBolt:
		if addr == "" {
			addr = "relaydb.db"
		}
		return OpenBolt(addr)
	case BackendRedis:
		if addr == "" {
			addr = "localhost:6379"
		}
		return OpenRedis(ctx, RedisConfig{Addr: addr})
	case BackendMySQL:
		if addr == "" {
			return nil, errors.New("mysql backend requires STORE_ADDR (dsn)")
		}
		return OpenMySQL(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
