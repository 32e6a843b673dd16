// Package state persists the notifier's record between invocations: whether
// the broadcaster was live at the last check, and the cached app access token
// with its expiry.
//
// Backends are chosen by a spec string (see Open): a JSON file path, a
// postgres:// or sqlite:// URL, or a redis:// URL. Every backend loads a
// default record when none exists and overwrites the record wholesale on save.
package state

import (
	"context"
	"strings"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/crypto"
	"github.com/NFG-Linux/twitch-notifier/db"
)

// State is the persisted record.
type State struct {
	WasLive bool
	// LastToken is the cached app access token, empty when absent.
	LastToken string
	// TokenExpiry is the epoch second from which LastToken must not be used.
	// The safety margin is already subtracted. 0 when unset.
	TokenExpiry int64
}

// Default is the record used when nothing has been persisted yet.
func Default() State { return State{} }

// Store loads and saves the record. Implementations return errors classified
// apperr.KindState.
type Store interface {
	// Load returns the persisted record, or Default() when none exists.
	Load(ctx context.Context) (State, error)
	// Save overwrites the persisted record.
	Save(ctx context.Context, st State) error
	Close() error
}

// Open returns the backend named by spec, scoped to broadcaster where the
// backend can hold several records. A nil sealer stores tokens in plaintext.
func Open(ctx context.Context, spec, broadcaster string, sealer *crypto.Sealer) (Store, error) {
	var (
		inner Store
		err   error
	)
	switch {
	case spec == "":
		return nil, apperr.Newf(apperr.KindState, "open", "empty state store spec")
	case isSQL(spec):
		inner, err = OpenSQL(ctx, spec, broadcaster)
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		inner, err = OpenRedis(ctx, spec, broadcaster)
	default:
		inner = NewFileStore(spec)
	}
	if err != nil {
		return nil, err
	}
	return Sealed(inner, sealer), nil
}

func isSQL(spec string) bool {
	_, _, ok := db.Driver(spec)
	return ok
}

// Backend names the kind of store a spec selects, for logging.
func Backend(spec string) string {
	if driver, _, ok := db.Driver(spec); ok {
		if driver == "pgx" {
			return "postgres"
		}
		return "sqlite"
	}
	if strings.HasPrefix(spec, "redis://") || strings.HasPrefix(spec, "rediss://") {
		return "redis"
	}
	return "file"
}
