package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

const (
	wsWriteTimeout       = 10 * time.Second
	defaultHubBufferSize = 64
)

// EventMessage is the JSON form of an oracle event on the stream.
type EventMessage struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Asset          string    `json:"asset"`
	Caller         string    `json:"caller"`
	Status         string    `json:"status"`
	RequestedPrice string    `json:"requested_price"`
	OldPrice       string    `json:"old_price"`
	NewPrice       string    `json:"new_price"`
	AnchorPrice    string    `json:"anchor_price"`
	PeriodStart    uint64    `json:"period_start"`
	Height         uint64    `json:"height"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func eventMessageFrom(ev oracle.Event) EventMessage {
	return EventMessage{
		ID:             ev.ID,
		Kind:           string(ev.Kind),
		Asset:          ev.Asset.Hex(),
		Caller:         ev.Caller.Hex(),
		Status:         ev.Status.String(),
		RequestedPrice: decimal(ev.RequestedPrice),
		OldPrice:       decimal(ev.OldPrice),
		NewPrice:       decimal(ev.NewPrice),
		AnchorPrice:    decimal(ev.AnchorPrice),
		PeriodStart:    ev.PeriodStart,
		Height:         ev.Height,
		Reason:         ev.Reason,
		Timestamp:      ev.Timestamp.UTC(),
	}
}

type subscriber struct {
	ch    chan EventMessage
	asset *common.Address
}

// Hub fans committed oracle events out to websocket subscribers. Subscribers
// that fall behind by more than the buffer are disconnected.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewHub returns a Hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBufferSize
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Emit implements oracle.Emitter.
func (h *Hub) Emit(ev oracle.Event) {
	if h == nil {
		return
	}
	msg := eventMessageFrom(ev)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.asset != nil && *sub.asset != ev.Asset {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe registers a listener, optionally filtered to one asset. The
// returned cancel function must be called once the listener is done.
func (h *Hub) Subscribe(asset *common.Address) (<-chan EventMessage, func()) {
	sub := &subscriber{ch: make(chan EventMessage, h.buffer), asset: asset}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribers reports the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	var filter *common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("asset")); raw != "" {
		asset, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = &asset
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only used to observe the client closing the connection.
	ctx := conn.CloseRead(r.Context())
	events, cancel := s.hub.Subscribe(filter)
	defer cancel()

	if err := streamEvents(ctx, conn, events); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, events <-chan EventMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return conn.Close(websocket.StatusPolicyViolation, "subscriber fell behind")
			}
			if err := writeEvent(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
