package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
)

// Message types sent to live feed clients.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message is one frame of the live feed.
type Message struct {
	Type    string         `json:"type"`
	Event   *events.Event  `json:"event,omitempty"`
	Events  []events.Event `json:"events,omitempty"`
	Dropped uint64         `json:"dropped,omitempty"`
}

// Availability reports whether the feed may be served.
type Availability interface {
	Degraded() (bool, string)
}

// Handler serves the read-only live event feed.
type Handler struct {
	hub      *events.Hub
	avail    Availability
	metrics  *monitoring.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a live feed handler.
func NewHandler(hub *events.Hub, avail Availability, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		hub:     hub,
		avail:   avail,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// CloseCode maps a subscription close reason onto a websocket close code.
func CloseCode(reason events.CloseReason) int {
	switch reason {
	case events.CloseOrchestratorUnavailable:
		return websocket.CloseTryAgainLater
	case events.CloseServerShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

// HandleConnection upgrades the request and streams the snapshot followed by
// live events until the subscription or the client goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	if degraded, reason := h.avail.Degraded(); degraded {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  string(events.CloseOrchestratorUnavailable),
			"reason": reason,
		})
		return
	}

	sub, err := h.hub.Subscribe()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, events.ErrHubClosed) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Unsubscribe(sub, events.CloseUnsubscribed)
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	clientGone := make(chan struct{})
	go h.readPump(conn, clientGone)

	reason := h.writePump(conn, sub, clientGone)
	h.hub.Unsubscribe(sub, reason)

	msg := websocket.FormatCloseMessage(CloseCode(reason), string(reason))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	h.log.Debug("live feed closed", zap.String("reason", string(reason)), zap.Uint64("dropped", sub.Dropped()))
}

// readPump drains client frames so control frames are processed. The feed
// is read-only; data frames are ignored.
func (h *Handler) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		h.metrics.RecordWSMessage("in", "ignored")
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *events.Subscription, gone <-chan struct{}) events.CloseReason {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.write(conn, Message{Type: TypeSnapshot, Events: sub.Snapshot()}); err != nil {
		return events.CloseUnsubscribed
	}

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return sub.Reason()
			}
			ev := e
			if err := h.write(conn, Message{Type: TypeEvent, Event: &ev, Dropped: sub.Dropped()}); err != nil {
				return events.CloseUnsubscribed
			}
		case <-gone:
			return events.CloseUnsubscribed
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return events.CloseUnsubscribed
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	data, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	h.metrics.RecordWSMessage("out", msg.Type)
	return nil
}
