package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// hookWorker delivers org events to one configured webhook URL. Each hook
// keeps its own cursor so a slow endpoint does not stall the others.
type hookWorker struct {
	engine engine.Engine
	orgID  string
	hook   config.WebhookConfig
	client *http.Client
	filter eventFilter
	cursor int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	orgID := strings.TrimSpace(e.Config.Organization.ID)
	if orgID == "" {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		w := &hookWorker{
			engine: e,
			orgID:  orgID,
			hook:   hook,
			client: &http.Client{Timeout: timeout},
			filter: newEventFilter(hook.Events),
			cursor: -1,
		}
		go w.run()
	}
}

func (w *hookWorker) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		w.poll()
		<-ticker.C
	}
}

func (w *hookWorker) poll() {
	ctx := context.Background()
	if w.cursor < 0 {
		// Start after the existing tail; only events newer than startup
		// go out, a restart never replays history.
		tail, err := w.engine.Repo.LatestEventID(ctx, w.orgID)
		if err != nil {
			log.Printf("webhook %s: init cursor: %v", w.hook.URL, err)
			return
		}
		w.cursor = tail
	}
	events, err := w.engine.Repo.EventsAfter(ctx, webhookBatchSize, w.cursor, w.orgID)
	if err != nil {
		log.Printf("webhook %s: fetch events: %v", w.hook.URL, err)
		return
	}
	for _, evt := range events {
		if w.filter.match(evt.Type) {
			if err := w.deliver(ctx, evt); err != nil {
				// Cursor stays put; the event retries next poll.
				log.Printf("webhook %s: deliver event %d: %v", w.hook.URL, evt.ID, err)
				return
			}
		}
		w.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrgID      string          `json:"org_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (w *hookWorker) deliver(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OrgID:      evt.OrgID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prodline-Event", evt.Type)
	req.Header.Set("X-Prodline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Prodline-Org", w.orgID)
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Prodline-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// eventFilter matches event types. Entries may be exact ("workflow.saved")
// or a prefix wildcard ("planning.*"); no entries means everything.
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
