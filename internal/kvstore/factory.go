package kvstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// NewStore picks a backend from the URL scheme. An empty URL yields an
// in-memory store.
//
//	postgres://, postgresql://  PostgreSQL via pgx
//	redis://, rediss://         Redis
//	sqlite://<path>, file:...   SQLite
func NewStore(ctx context.Context, url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(url)
	default:
		return nil, errors.Errorf("kvstore: unsupported store url scheme in %q", redactURL(url))
	}
}

// Backend names the backend NewStore would select, for logging.
func Backend(url string) string {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return "memory"
	case strings.HasPrefix(url, "postgres"):
		return "postgres"
	case strings.HasPrefix(url, "redis"):
		return "redis"
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"):
		return "sqlite"
	default:
		return "unknown"
	}
}

func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
