package state

import (
	"context"
	"log/slog"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/crypto"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
)

// sealedStore seals LastToken on the way out and opens it on the way in.
// With a nil sealer tokens are written in plaintext.
type sealedStore struct {
	Store
	sealer *crypto.Sealer
}

// Sealed wraps s so the cached token is encrypted at rest. Plaintext tokens
// already in the backend are still accepted on load. A sealed token that
// cannot be opened (no key, rotated key, corruption) is dropped so the next
// token lookup refreshes it instead of failing the run.
func Sealed(s Store, sealer *crypto.Sealer) Store {
	return &sealedStore{Store: s, sealer: sealer}
}

func (s *sealedStore) Load(ctx context.Context) (State, error) {
	st, err := s.Store.Load(ctx)
	if err != nil || !crypto.IsSealed(st.LastToken) {
		return st, err
	}
	if s.sealer == nil {
		telemetry.LoggerWithCorr(ctx).Warn("cached token is sealed but ENCRYPTION_KEY is not set; dropping it")
		st.LastToken, st.TokenExpiry = "", 0
		return st, nil
	}
	plain, err := s.sealer.Open(st.LastToken)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("cached token could not be unsealed; dropping it", slog.Any("err", err))
		st.LastToken, st.TokenExpiry = "", 0
		return st, nil
	}
	st.LastToken = plain
	return st, nil
}

func (s *sealedStore) Save(ctx context.Context, st State) error {
	if s.sealer != nil && st.LastToken != "" {
		sealed, err := s.sealer.Seal(st.LastToken)
		if err != nil {
			return apperr.New(apperr.KindState, "seal token", err)
		}
		st.LastToken = sealed
	}
	return s.Store.Save(ctx, st)
}
