package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	wardenhttp "github.com/wardenhq/warden/internal/httputil"
)

// StreamEvent is one guard decision streamed live to dashboard clients.
type StreamEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Stage     string    `json:"stage"`
	Allowed   bool      `json:"allowed"`
	Status    int       `json:"status"`
	Limit     int64     `json:"limit,omitempty"`
	Remaining int64     `json:"remaining,omitempty"`
	Replayed  bool      `json:"replayed,omitempty"`
}

// EventBroker fans out live guard events to active subscribers.
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[int]chan StreamEvent
	nextID      int
	bufferSize  int
}

// NewEventBroker creates an in-memory event broker.
func NewEventBroker(bufferSize int) *EventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	return &EventBroker{
		subscribers: make(map[int]chan StreamEvent),
		bufferSize:  bufferSize,
	}
}

// Publish broadcasts an event to all subscribers without blocking.
// Events are dropped for subscribers whose buffer is full.
func (b *EventBroker) Publish(event StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber channel and returns an unsubscribe function.
func (b *EventBroker) Subscribe() (<-chan StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan StreamEvent, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}

	return ch, unsubscribe
}

// StreamHandler serves live guard events over WebSocket.
type StreamHandler struct {
	broker   *EventBroker
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a WebSocket stream handler.
func NewStreamHandler(broker *EventBroker) *StreamHandler {
	if broker == nil {
		broker = NewEventBroker(64)
	}

	return &StreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades requests to WebSocket and streams live events.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		wardenhttp.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if writeErr := conn.WriteJSON(event); writeErr != nil {
				return
			}
		case <-pingTicker.C:
			if pingErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); pingErr != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
