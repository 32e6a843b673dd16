// Package monitor runs one check of the broadcaster's live status and sends
// the go-live notification on the offline to live edge.
package monitor

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/state"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
	"github.com/NFG-Linux/twitch-notifier/webhook"
)

// TokenProvider hands out an app access token, caching it in the state record.
type TokenProvider interface {
	Token(ctx context.Context, st *state.State) (string, error)
	Invalidate(ctx context.Context, st *state.State) error
}

// Platform answers the two questions a run needs from Twitch.
type Platform interface {
	ResolveUserID(ctx context.Context, token, login string) (string, error)
	IsLive(ctx context.Context, token, userID string) (bool, error)
}

// Notifier fans the go-live message out to the webhooks.
type Notifier interface {
	Notify(ctx context.Context, urls []string, broadcaster string) []webhook.Delivery
}

// ShouldNotify is the edge rule: only an offline to live transition notifies.
func ShouldNotify(wasLive, live bool) bool {
	return !wasLive && live
}

// Result summarizes one run.
type Result struct {
	UserID     string
	WasLive    bool
	Live       bool
	Notified   bool
	Deliveries []webhook.Delivery
}

// Failed counts the webhook deliveries that did not succeed.
func (r Result) Failed() int {
	n := 0
	for _, d := range r.Deliveries {
		if !d.OK() {
			n++
		}
	}
	return n
}

// Monitor wires the pieces of a run together.
type Monitor struct {
	Store       state.Store
	Tokens      TokenProvider
	Platform    Platform
	Notifier    Notifier
	Broadcaster string
	Webhooks    []string
	// DryRun evaluates the edge but sends nothing.
	DryRun bool
}

// Run performs token, lookup, status and (on the edge) notify, then saves the
// new live status. Any error before the save leaves WasLive as it was, so a
// failed run can simply be retried.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "monitor", "run", attribute.String("broadcaster", m.Broadcaster))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("broadcaster", m.Broadcaster))

	var res Result
	st, err := m.Store.Load(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, stateErr("load state", err)
	}
	res.WasLive = st.WasLive

	token, err := m.Tokens.Token(ctx, &st)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}

	userID, err := m.Platform.ResolveUserID(ctx, token, m.Broadcaster)
	if err != nil {
		m.dropRejectedToken(ctx, log, &st, err)
		telemetry.RecordError(span, err)
		return res, err
	}
	res.UserID = userID

	live, err := m.Platform.IsLive(ctx, token, userID)
	if err != nil {
		m.dropRejectedToken(ctx, log, &st, err)
		telemetry.RecordError(span, err)
		return res, err
	}
	res.Live = live
	telemetry.SetLive(live)
	log.Info("stream status", slog.String("user_id", userID), slog.Bool("was_live", st.WasLive), slog.Bool("live", live))

	if ShouldNotify(st.WasLive, live) {
		res.Notified = true
		if m.DryRun {
			log.Info("dry run: would notify", slog.Int("webhooks", len(m.Webhooks)))
		} else {
			telemetry.ObserveNotification()
			res.Deliveries = m.Notifier.Notify(ctx, m.Webhooks, m.Broadcaster)
			if failed := res.Failed(); failed > 0 {
				log.Warn("some webhooks failed", slog.Int("failed", failed), slog.Int("total", len(res.Deliveries)))
			} else {
				log.Info("notified webhooks", slog.Int("total", len(res.Deliveries)))
			}
		}
	}

	st.WasLive = live
	if err := m.Store.Save(ctx, st); err != nil {
		telemetry.RecordError(span, err)
		return res, stateErr("save state", err)
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// dropRejectedToken clears a cached token Twitch refused so the next run
// fetches a new one instead of failing until the stored expiry passes.
func (m *Monitor) dropRejectedToken(ctx context.Context, log *slog.Logger, st *state.State, err error) {
	if !errors.Is(err, apperr.ErrUnauthorized) {
		return
	}
	log.Warn("twitch rejected the app token; clearing cache")
	if ierr := m.Tokens.Invalidate(ctx, st); ierr != nil {
		log.Error("failed to clear cached token", slog.Any("err", ierr))
	}
}

// stateErr classifies store errors that arrive unclassified (custom stores).
func stateErr(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.New(apperr.KindState, op, err)
}
