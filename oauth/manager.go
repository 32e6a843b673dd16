// Package oauth manages the Twitch app access token. The token is bought with
// the client-credentials grant and cached in the persisted state together with
// an expiry that already has a safety margin subtracted, so most invocations
// reuse it without touching the token endpoint.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/state"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
)

// TwitchTokenURL is the default client-credentials endpoint.
const TwitchTokenURL = "https://id.twitch.tv/oauth2/token"

// ExpiryMargin is subtracted from expires_in when the expiry is stored.
const ExpiryMargin = 60 * time.Second

// Manager returns a usable app access token, refreshing it when the cached
// one is missing or expired. Refreshed tokens are saved to Store right away.
type Manager struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
	Store        state.Store
	Clock        clockwork.Clock
}

// NewManager builds a manager on the real clock.
func NewManager(clientID, clientSecret, tokenURL string, store state.Store, hc *http.Client) *Manager {
	if tokenURL == "" {
		tokenURL = TwitchTokenURL
	}
	return &Manager{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		HTTPClient:   hc,
		Store:        store,
		Clock:        clockwork.NewRealClock(),
	}
}

func (m *Manager) clock() clockwork.Clock {
	if m.Clock != nil {
		return m.Clock
	}
	return clockwork.NewRealClock()
}

// Token returns st.LastToken while now < st.TokenExpiry. Otherwise it runs the
// client-credentials exchange, records the new token and expiry in st and
// saves st. On a failed exchange st is left untouched.
func (m *Manager) Token(ctx context.Context, st *state.State) (string, error) {
	now := m.clock().Now().Unix()
	if st.LastToken != "" && now < st.TokenExpiry {
		return st.LastToken, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "oauth", "client_credentials")
	defer span.End()

	tok, expiresIn, err := m.exchange(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	st.LastToken = tok
	st.TokenExpiry = now + expiresIn - int64(ExpiryMargin/time.Second)
	if err := m.Store.Save(ctx, *st); err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	telemetry.ObserveTokenRefresh()
	telemetry.LoggerWithCorr(ctx).Info("twitch app token refreshed",
		slog.String("tail", maskToken(tok)),
		slog.Time("expires_at", time.Unix(st.TokenExpiry, 0).UTC()))
	telemetry.SetSpanSuccess(span)
	return tok, nil
}

// Invalidate forgets the cached token so the next Token call refreshes it.
func (m *Manager) Invalidate(ctx context.Context, st *state.State) error {
	st.LastToken = ""
	st.TokenExpiry = 0
	return m.Store.Save(ctx, *st)
}

func (m *Manager) exchange(ctx context.Context) (string, int64, error) {
	if m.ClientID == "" || m.ClientSecret == "" {
		return "", 0, apperr.Newf(apperr.KindAuth, "client credentials", "missing client id/secret for twitch app token")
	}
	cc := clientcredentials.Config{
		ClientID:     m.ClientID,
		ClientSecret: m.ClientSecret,
		TokenURL:     m.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if m.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", 0, apperr.New(apperr.KindAuth, "client credentials",
				fmt.Errorf("twitch token request failed: %s: %s", re.Response.Status, string(re.Body)))
		}
		return "", 0, apperr.New(apperr.KindAuth, "client credentials", err)
	}
	if tok.AccessToken == "" {
		return "", 0, apperr.Newf(apperr.KindAuth, "client credentials", "empty access_token in twitch response")
	}
	expiresIn := expiresInSeconds(tok)
	if expiresIn <= 0 {
		return "", 0, apperr.Newf(apperr.KindAuth, "client credentials", "missing expires_in in twitch response")
	}
	return tok.AccessToken, expiresIn, nil
}

// expiresInSeconds reads the raw expires_in field of the token response.
func expiresInSeconds(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		return int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return 0
}

func maskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
