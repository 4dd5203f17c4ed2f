package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketplace-calls/internal/auth"
)

const hookTimeout = 5 * time.Second

// Hooks let the host react to connection lifecycle. Any hook may be nil.
// deviceType is whatever the client sent; the host parses it.
type Hooks struct {
	OnConnect    func(ctx context.Context, userID, deviceType, connID string)
	OnHeartbeat  func(ctx context.Context, userID, deviceType, connID string)
	OnSignoff    func(ctx context.Context, userID string)
	OnDisconnect func(ctx context.Context, userID, connID string)
}

// Hub owns this node's websocket connections and routes user-scoped events
// to them, through the Bus when one is configured.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Client

	registry *Registry
	bus      Bus
	hooks    Hooks
	log      *slog.Logger
	clock    func() time.Time

	upgrader websocket.Upgrader
	unsub    func()
}

// NewHub accepts nil registry and bus for single-node setups and tests.
func NewHub(registry *Registry, bus Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:  make(map[string]map[string]*Client),
		registry: registry,
		bus:      bus,
		log:      log,
		clock:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send cross-origin upgrades; the access token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetHooks must be called before ServeWS accepts traffic.
func (h *Hub) SetHooks(hk Hooks) { h.hooks = hk }

// Start subscribes to the bus so frames published by any node reach local sockets.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	unsub, err := h.bus.Subscribe(func(userID string, frame []byte) {
		h.deliverLocal(userID, frame)
	})
	if err != nil {
		return err
	}
	h.unsub = unsub
	return nil
}

// Close unsubscribes from the bus and closes every local connection.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	var all []*Client
	for _, conns := range h.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

// ServeWS upgrades an authenticated request and blocks until the socket closes.
// The client reports its device with ?device_type=, as heartbeat frames do.
func (h *Hub) ServeWS(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceType := c.Query("device_type")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}

	client := newClient(h, conn, uuid.NewString(), userID, h.clock())
	h.register(client)
	h.log.Info("websocket connected", "user_id", userID, "conn_id", client.ID)
	h.runHook(func(ctx context.Context) {
		if h.hooks.OnConnect != nil {
			h.hooks.OnConnect(ctx, userID, deviceType, client.ID)
		}
	})

	go client.writePump()
	client.readPump()

	h.unregister(client)
	client.close()
	<-client.done
	h.log.Info("websocket disconnected", "user_id", userID, "conn_id", client.ID)
	h.runHook(func(ctx context.Context) {
		if h.hooks.OnDisconnect != nil {
			h.hooks.OnDisconnect(ctx, userID, client.ID)
		}
	})
}

// Connections resolves a user's open connection ids right now, newest first.
// The shared registry is preferred; local state is the fallback.
func (h *Hub) Connections(ctx context.Context, userID string) ([]string, error) {
	if h.registry != nil {
		ids, err := h.registry.List(ctx, userID)
		if err == nil {
			return ids, nil
		}
		h.log.Warn("connection registry read failed, using local connections", "user_id", userID, "err", err)
	}
	return h.localConnections(userID), nil
}

// EmitToUser delivers one event to every open connection of the user.
func (h *Hub) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	if userID == "" {
		return errors.New("realtime: user id is required")
	}
	frame, err := encodeEnvelope(event, payload, h.clock())
	if err != nil {
		return err
	}
	if h.bus != nil {
		err := h.bus.Publish(userID, frame)
		if err == nil {
			return nil
		}
		h.log.Warn("bus publish failed, delivering locally", "user_id", userID, "event", event, "err", err)
	}
	h.deliverLocal(userID, frame)
	return nil
}

func (h *Hub) deliverLocal(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			h.log.Debug("websocket send dropped", "user_id", userID, "conn_id", c.ID, "err", err)
			continue
		}
		n++
	}
	return n
}

func (h *Hub) localConnections(userID string) []string {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectedAt.After(conns[j].ConnectedAt) })
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.clients[c.UserID] = conns
	}
	conns[c.ID] = c
	h.mu.Unlock()
	h.touch(c)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()

	if h.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := h.registry.Remove(ctx, c.UserID, c.ID); err != nil {
		h.log.Warn("connection registry remove failed", "user_id", c.UserID, "conn_id", c.ID, "err", err)
	}
}

func (h *Hub) touch(c *Client) {
	if h.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := h.registry.Touch(ctx, c.UserID, c.ID); err != nil {
		h.log.Warn("connection registry touch failed", "user_id", c.UserID, "conn_id", c.ID, "err", err)
	}
}

func (h *Hub) handleFrame(c *Client, f inboundFrame) {
	switch f.Type {
	case FrameHeartbeat:
		var d heartbeatData
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &d)
		}
		h.touch(c)
		h.runHook(func(ctx context.Context) {
			if h.hooks.OnHeartbeat != nil {
				h.hooks.OnHeartbeat(ctx, c.UserID, d.DeviceType, c.ID)
			}
		})
	case FrameSignoff:
		h.runHook(func(ctx context.Context) {
			if h.hooks.OnSignoff != nil {
				h.hooks.OnSignoff(ctx, c.UserID)
			}
		})
	default:
		h.log.Debug("websocket unknown frame", "user_id", c.UserID, "type", f.Type)
	}
}

func (h *Hub) runHook(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	fn(ctx)
}
