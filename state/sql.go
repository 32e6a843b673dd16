package state

import (
	"context"
	"database/sql"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/db"
)

// SQLStore keeps one row per broadcaster in the notifier_state table
// (Postgres via pgx, or SQLite).
type SQLStore struct {
	DB          *sql.DB
	Broadcaster string
}

// OpenSQL connects to spec and runs the schema migration.
func OpenSQL(ctx context.Context, spec, broadcaster string) (*SQLStore, error) {
	database, err := db.Connect(ctx, spec)
	if err != nil {
		return nil, apperr.New(apperr.KindState, "connect", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, apperr.New(apperr.KindState, "migrate", err)
	}
	return &SQLStore{DB: database, Broadcaster: broadcaster}, nil
}

func (s *SQLStore) Load(ctx context.Context) (State, error) {
	row, found, err := db.GetState(ctx, s.DB, s.Broadcaster)
	if err != nil {
		return State{}, apperr.New(apperr.KindState, "select state", err)
	}
	if !found {
		return Default(), nil
	}
	return State{WasLive: row.WasLive, LastToken: row.LastToken, TokenExpiry: row.TokenExpiry}, nil
}

func (s *SQLStore) Save(ctx context.Context, st State) error {
	err := db.UpsertState(ctx, s.DB, s.Broadcaster, db.StateRow{
		WasLive:     st.WasLive,
		LastToken:   st.LastToken,
		TokenExpiry: st.TokenExpiry,
	})
	return apperr.New(apperr.KindState, "upsert state", err)
}

func (s *SQLStore) Close() error { return s.DB.Close() }
