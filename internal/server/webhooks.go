package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and posts new events to the
// configured hooks. Each hook keeps its own cursor; a failed delivery is
// retried from the same event on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	cursors map[int]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.Webhook, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		Logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done. Hooks start at the latest event, so
// history before startup is not replayed.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	if err := d.init(ctx); err != nil {
		d.Logger.Error("webhook: init cursor failed", "err", err)
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) init(ctx context.Context) error {
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	for i := range d.Hooks {
		d.cursors[i] = cur
	}
	return nil
}

// DispatchOnce delivers one batch per hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchHook(ctx context.Context, idx int, hook config.Webhook) {
	evts, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, d.cursors[idx])
	if err != nil {
		d.Logger.Error("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
				return
			}
		}
		d.cursors[idx] = evt.ID
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := json.Marshal(eventResponse(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Foreman-Event", evt.Type)
	req.Header.Set("X-Foreman-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Foreman-Signature", "blake3="+Sign(hook.Secret, data))
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex keyed BLAKE3 MAC of body. The key is the BLAKE3 hash
// of secret, so secrets of any length work.
func Sign(secret string, body []byte) string {
	key := blake3.Sum256([]byte(secret))
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(err)
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
