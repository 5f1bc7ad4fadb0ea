package api

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
	"github.com/zulandar/socialhub/internal/scheduler"
)

// subscriberBuffer is how many events a slow SSE client may lag behind
// before events are dropped for it.
const subscriberBuffer = 16

// publishEvent is the payload of a "published" SSE event.
type publishEvent struct {
	ID        string                                    `json:"id,omitempty"`
	Caption   string                                    `json:"caption"`
	Status    models.Status                             `json:"status"`
	PostedTo  models.PlatformList                       `json:"posted_to"`
	FailedOn  models.PlatformList                       `json:"failed_on"`
	Results   map[models.Platform]models.PlatformResult `json:"results"`
	Source    string                                    `json:"source,omitempty"`
	Timestamp string                                    `json:"timestamp"`
}

// Hub fans publish events out to SSE subscribers. It implements
// scheduler.Notifier.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan publishEvent]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan publishEvent]struct{})}
}

// Notify implements scheduler.Notifier. It never blocks; subscribers whose
// buffer is full miss the event.
func (h *Hub) Notify(ev scheduler.Event) {
	evt := publishEvent{
		ID:        ev.Post.ID,
		Caption:   ev.Post.Caption,
		Status:    ev.Outcome.Status(),
		PostedTo:  ev.Outcome.Succeeded(),
		FailedOn:  ev.Outcome.Failed(),
		Results:   ev.Outcome.Results,
		Source:    ev.Post.Source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			logrus.WithField("post_id", evt.ID).Warn("api: sse subscriber lagging, event dropped")
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber goes away. The channel is closed by cancel or
// by Close.
func (h *Hub) Subscribe() (<-chan publishEvent, func()) {
	ch := make(chan publishEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// events streams publish events over SSE.
func (h *handlers) events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	if h.opts.Hub == nil {
		return
	}
	ch, cancel := h.opts.Hub.Subscribe()
	defer cancel()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(c.Writer, "published", evt)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
