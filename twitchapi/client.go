// Package twitchapi resolves broadcaster logins and queries live status
// through the Twitch Helix API using an app access token.
package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nicklaw5/helix/v2"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
)

// DefaultBaseURL is the production Helix endpoint.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// Client is a thin wrapper over helix.Client. A helix client is built per
// call because the bearer token can change between calls of one run.
type Client struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL (DefaultBaseURL when empty).
func NewClient(clientID, baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{ClientID: clientID, BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: hc}
}

// ctxDoer binds a context to every request helix sends; helix itself has no
// per-call context.
type ctxDoer struct {
	ctx context.Context
	hc  *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.hc.Do(req.WithContext(d.ctx))
}

func (c *Client) newHelix(ctx context.Context, token string) (*helix.Client, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	client, err := helix.NewClient(&helix.Options{
		ClientID:   c.ClientID,
		APIBaseURL: base,
		HTTPClient: ctxDoer{ctx: ctx, hc: hc},
	})
	if err != nil {
		return nil, fmt.Errorf("helix: NewClient: %w", err)
	}
	client.SetAppAccessToken(token)
	return client, nil
}

// statusError turns a non-200 Helix response into an error. 401 wraps
// apperr.ErrUnauthorized so callers can drop the cached token.
func statusError(call string, code int, errText, msg string) error {
	if code == http.StatusUnauthorized {
		return fmt.Errorf("helix: %s failed (%d: %s) %s: %w", call, code, errText, msg, apperr.ErrUnauthorized)
	}
	return fmt.Errorf("helix: %s failed (%d: %s) %s", call, code, errText, msg)
}

// ResolveUserID returns the user id of login. An empty result is a lookup
// error wrapping apperr.ErrBroadcasterNotFound.
func (c *Client) ResolveUserID(ctx context.Context, token, login string) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return "", apperr.Newf(apperr.KindLookup, "resolve user", "login empty")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "get_users")
	defer span.End()

	client, err := c.newHelix(ctx, token)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", apperr.New(apperr.KindLookup, "resolve user", err)
	}
	resp, err := client.GetUsers(&helix.UsersParams{Logins: []string{login}})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", apperr.New(apperr.KindLookup, "resolve user", fmt.Errorf("helix: GetUsers: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError("GetUsers", resp.StatusCode, resp.Error, resp.ErrorMessage)
		telemetry.RecordError(span, err)
		return "", apperr.New(apperr.KindLookup, "resolve user", err)
	}
	if len(resp.Data.Users) == 0 {
		err := fmt.Errorf("%w: %s", apperr.ErrBroadcasterNotFound, login)
		telemetry.RecordError(span, err)
		return "", apperr.New(apperr.KindLookup, "resolve user", err)
	}
	telemetry.SetSpanSuccess(span)
	return resp.Data.Users[0].ID, nil
}

// IsLive reports whether userID currently has a stream. Helix only lists
// live streams, so an empty list means offline.
func (c *Client) IsLive(ctx context.Context, token, userID string) (bool, error) {
	if userID == "" {
		return false, apperr.Newf(apperr.KindStatusQuery, "stream status", "user id empty")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "get_streams")
	defer span.End()

	client, err := c.newHelix(ctx, token)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, apperr.New(apperr.KindStatusQuery, "stream status", err)
	}
	resp, err := client.GetStreams(&helix.StreamsParams{UserIDs: []string{userID}})
	if err != nil {
		telemetry.RecordError(span, err)
		return false, apperr.New(apperr.KindStatusQuery, "stream status", fmt.Errorf("helix: GetStreams: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError("GetStreams", resp.StatusCode, resp.Error, resp.ErrorMessage)
		telemetry.RecordError(span, err)
		return false, apperr.New(apperr.KindStatusQuery, "stream status", err)
	}
	telemetry.SetSpanSuccess(span)
	return len(resp.Data.Streams) > 0, nil
}
