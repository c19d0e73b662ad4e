package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
)

// streamKeepAlive 空闲时发送注释行的间隔，防止代理断开连接
const streamKeepAlive = 15 * time.Second

// streamBuffer 单个订阅者的待发送事件数，满了就丢弃
const streamBuffer = 64

// =============================================================================
// 📡 Event Stream Handler
// =============================================================================

// EventStreamHandler pushes mesh events to clients as server-sent events.
type EventStreamHandler struct {
	bus    *events.Bus
	logger *zap.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// NewEventStreamHandler creates an event stream handler over bus.
func NewEventStreamHandler(bus *events.Bus, logger *zap.Logger) *EventStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStreamHandler{
		bus:     bus,
		logger:  logger.With(zap.String("component", "event_stream")),
		closing: make(chan struct{}),
	}
}

// Close ends every open stream. http.Server.Shutdown waits for active
// requests, so call it before shutting the listener down.
func (h *EventStreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// HandleStream streams events until the client goes away. Query: type
// (repeatable or comma-separated), task. A slow client loses events instead of
// slowing the emitter down.
// @Summary Stream events
// @Tags events
// @Produce text/event-stream
// @Router /v1/events/stream [get]
func (h *EventStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	q := r.URL.Query()
	wanted := make(map[events.Type]bool)
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				wanted[events.Type(t)] = true
			}
		}
	}
	taskCode := q.Get("task")

	ch := make(chan events.Event, streamBuffer)
	id := h.bus.Subscribe(events.AllTypes, func(ev events.Event) {
		if len(wanted) > 0 && !wanted[ev.Type] {
			return
		}
		if taskCode != "" && ev.TaskCode != taskCode {
			return
		}
		select {
		case ch <- ev:
		default:
			h.logger.Warn("event stream subscriber lagging, event dropped",
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.ID),
			)
		}
	})
	defer h.bus.Unsubscribe(id)

	// 流式响应不受服务器写超时限制
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("event stream not supported", zap.Error(err))
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
