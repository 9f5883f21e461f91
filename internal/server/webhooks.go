package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log of every shop and posts new events
// to the webhooks in that shop's config. Delivery is at least once; a
// failing hook is retried from the same event on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	log      *zap.Logger
	client   *http.Client
	interval time.Duration
	mu       sync.Mutex
	cursors  map[string]int64
}

func NewWebhookDispatcher(e engine.Engine, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		engine:   e,
		log:      log.Named("webhooks"),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every shop. The shop config is
// re-read each pass so webhook edits apply without a restart.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	shops, err := d.engine.Repo.ListShops(ctx)
	if err != nil {
		d.log.Warn("list shops failed", zap.Error(err))
		return
	}
	for _, shop := range shops {
		cfg, err := d.engine.Repo.GetShopConfig(ctx, shop.ID)
		if err != nil {
			d.log.Warn("load shop config failed", zap.String("shop_id", shop.ID), zap.Error(err))
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, shop.ID, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, shopID string, hook config.WebhookConfig) {
	key := webhookKey(shopID, hook)
	cursor := d.cursorFor(ctx, key, shopID)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, shopID)
	if err != nil {
		d.log.Warn("fetch events failed", zap.String("shop_id", shopID), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, shopID, hook, evt); err != nil {
			d.engine.Metrics.RecordWebhookFailure()
			d.log.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

// webhookKey identifies a hook by where it delivers and what it receives, so
// reordering or removing other hooks leaves its cursor in place.
func webhookKey(shopID string, hook config.WebhookConfig) string {
	events := make([]string, 0, len(hook.Events))
	for _, evt := range hook.Events {
		if evt = strings.TrimSpace(evt); evt != "" {
			events = append(events, evt)
		}
	}
	sort.Strings(events)
	return shopID + "\x00" + strings.TrimSpace(hook.URL) + "\x00" + strings.Join(events, ",")
}

// cursorFor starts a new hook at the current end of the log so a restart
// does not replay history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, shopID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, shopID)
	if err != nil {
		d.log.Warn("init cursor failed", zap.String("shop_id", shopID), zap.Error(err))
		cur = 0
	}
	d.cursors[key] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ShopID     string          `json:"shop_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, shopID string, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ShopID:     shopID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobline-Event", evt.Type)
	req.Header.Set("X-Jobline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Jobline-Shop", shopID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Jobline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types, or a whole family with a "job.*"
// style prefix.
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
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
