// Package webhook delivers the go-live message to the configured webhook
// endpoints (Discord-compatible `{"content": ...}` payloads).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
)

// DefaultConcurrency bounds parallel POSTs when Notifier.Concurrency is unset.
const DefaultConcurrency = 4

// Message is the fixed go-live text for broadcaster.
func Message(broadcaster string) string {
	return fmt.Sprintf("%s is now LIVE on Twitch! Check it out: https://twitch.tv/%s", broadcaster, broadcaster)
}

type payload struct {
	Content string `json:"content"`
}

// Delivery is the outcome of one POST. Err is a notify-kind apperr.Error
// when the POST failed or answered non-2xx.
type Delivery struct {
	URL        string
	StatusCode int
	Err        error
}

// OK reports whether the webhook accepted the message.
func (d Delivery) OK() bool { return d.Err == nil }

// Notifier posts the message to every URL, isolating failures per URL.
type Notifier struct {
	HTTPClient  *http.Client
	Concurrency int
}

// New returns a notifier using hc and at most concurrency parallel POSTs.
func New(hc *http.Client, concurrency int) *Notifier {
	return &Notifier{HTTPClient: hc, Concurrency: concurrency}
}

// Notify sends the go-live message for broadcaster to every URL. It never
// aborts early; the returned slice has one entry per URL in input order.
func (n *Notifier) Notify(ctx context.Context, urls []string, broadcaster string) []Delivery {
	out := make([]Delivery, len(urls))
	if len(urls) == 0 {
		return out
	}
	body, err := json.Marshal(payload{Content: Message(broadcaster)})
	if err != nil {
		for i, u := range urls {
			out[i] = Delivery{URL: u, Err: apperr.New(apperr.KindNotify, "encode payload", err)}
		}
		return out
	}

	limit := n.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			out[i] = n.post(ctx, u, body)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (n *Notifier) post(ctx context.Context, target string, body []byte) Delivery {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("webhook", Redact(target)))
	ctx, span := telemetry.StartSpan(ctx, "webhook", "post")
	defer span.End()

	d := Delivery{URL: target}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		d.Err = apperr.Newf(apperr.KindNotify, "build request", "invalid webhook url %s", Redact(target))
		return n.finish(log, span, d)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := n.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		// url.Error repeats the full URL, which carries the webhook secret.
		if ue, ok := err.(*url.Error); ok {
			err = fmt.Errorf("%s %s: %w", ue.Op, Redact(target), ue.Err)
		}
		d.Err = apperr.New(apperr.KindNotify, "post", err)
		return n.finish(log, span, d)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	d.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		d.Err = apperr.New(apperr.KindNotify, "post",
			fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}
	return n.finish(log, span, d)
}

func (n *Notifier) finish(log *slog.Logger, span trace.Span, d Delivery) Delivery {
	telemetry.ObserveDelivery(d.OK())
	if d.Err != nil {
		telemetry.RecordError(span, d.Err)
		log.Warn("webhook delivery failed", slog.Int("status", d.StatusCode), slog.Any("err", d.Err))
		return d
	}
	telemetry.SetSpanSuccess(span)
	log.Info("webhook delivered", slog.Int("status", d.StatusCode))
	return d
}

// Redact keeps scheme, host and the first two path segments of u; Discord
// webhook paths are /api/webhooks/{id}/{token}.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "<invalid url>"
	}
	segs := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segs) > 2 {
		segs = append(segs[:2], "***")
	}
	path := strings.Join(segs, "/")
	if path == "" {
		return parsed.Scheme + "://" + parsed.Host
	}
	return parsed.Scheme + "://" + parsed.Host + "/" + path
}
