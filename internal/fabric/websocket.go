package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchmesh/backend/internal/core"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256 // per-spoke outbound buffer

	// maxOverflows is how many dropped sends a spoke survives before the
	// hub disconnects it as a slow consumer.
	maxOverflows = 32
)

// Authenticator resolves an API key presented at the WebSocket handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (actorID string, role core.ActorRole, err error)
}

// upgrader validates origins in production via WATCHMESH_ALLOWED_ORIGINS.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("WATCHMESH_ENV")
	allowedRaw := os.Getenv("WATCHMESH_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		slog.Warn("WATCHMESH_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// Spoke is one WebSocket subscriber. All writes go through the send channel
// and the writePump goroutine; readPump is the only reader.
type Spoke struct {
	hub           *Hub
	conn          *websocket.Conn
	id            string
	actorID       string
	role          core.ActorRole
	send          chan []byte
	subscriptions map[string]bool // guarded by hub.mu
	overflows     atomic.Int32
	done          chan struct{}
	once          sync.Once
}

// clientMessage is what spokes send: subscribe/unsubscribe requests.
type clientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

type serverAck struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WSHandler upgrades /ws/monitor connections and runs the spoke pumps.
type WSHandler struct {
	hub     *Hub
	auth    Authenticator
	targets core.TargetStore
	logger  *slog.Logger
}

// NewWSHandler wires the handshake surface. auth may be nil in dev mode, in
// which case every connection gets admin scope.
func NewWSHandler(hub *Hub, auth Authenticator, targets core.TargetStore) *WSHandler {
	return &WSHandler{
		hub:     hub,
		auth:    auth,
		targets: targets,
		logger:  slog.Default().With("component", "ws-handler"),
	}
}

// ServeHTTP authenticates the handshake, upgrades, and starts the pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actorID, role := "dev", core.RoleAdmin
	if h.auth != nil {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		var err error
		actorID, role, err = h.auth.Authenticate(r.Context(), key)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Spoke{
		hub:           h.hub,
		conn:          conn,
		id:            core.NewID("spk"),
		actorID:       actorID,
		role:          role,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
		done:          make(chan struct{}),
	}
	h.hub.register(s)
	h.logger.Info("spoke connected", "spoke_id", s.id, "actor_id", actorID, "role", role)

	go s.writePump()
	go s.readPump(h)
}

// authorizeTopic checks the actor may watch the topic's target: admins see
// everything, owners only their own targets.
func (h *WSHandler) authorizeTopic(ctx context.Context, s *Spoke, topic string) error {
	family, targetID := SplitTopic(topic)
	switch family {
	case TopicMonitorUpdate, TopicIncidentOpened, TopicIncidentResolved:
	default:
		return core.Ef(core.Invalid, "fabric.authorizeTopic", "unknown topic family %q", family)
	}
	if targetID == "" {
		return core.Ef(core.Invalid, "fabric.authorizeTopic", "topic %q missing target id", topic)
	}
	if s.role == core.RoleAdmin {
		return nil
	}

	target, err := h.targets.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.OwnerID != s.actorID {
		return core.Ef(core.Unauthorized, "fabric.authorizeTopic", "actor %s may not watch target %s", s.actorID, targetID)
	}
	return nil
}

func (s *Spoke) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unregister(s)
		s.conn.Close()
	})
}

// writePump owns all writes to the connection: data frames, pings, close.
func (s *Spoke) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain what queued up while we were writing.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// readPump owns all reads: subscription requests and pong keepalives.
func (s *Spoke) readPump(h *WSHandler) {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("spoke read error", "spoke_id", s.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.ack(serverAck{Status: "error", Error: "invalid message"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			if err := h.authorizeTopic(context.Background(), s, msg.Topic); err != nil {
				s.ack(serverAck{Topic: msg.Topic, Status: "error", Error: err.Error()})
				continue
			}
			s.hub.Subscribe(s, msg.Topic)
			s.ack(serverAck{Topic: msg.Topic, Status: "subscribed"})
		case "unsubscribe":
			s.hub.Unsubscribe(s, msg.Topic)
			s.ack(serverAck{Topic: msg.Topic, Status: "unsubscribed"})
		default:
			s.ack(serverAck{Status: "error", Error: "unknown action " + msg.Action})
		}
	}
}

// ack queues a control response, dropping it if the spoke is slow.
func (s *Spoke) ack(a serverAck) {
	payload, _ := json.Marshal(a)
	select {
	case s.send <- payload:
	default:
	}
}
