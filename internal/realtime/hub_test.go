package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"marketplace-calls/internal/auth"
)

// loopBus hands published frames straight back to subscribers.
type loopBus struct {
	mu        sync.Mutex
	deliver   func(string, []byte)
	published int
}

func (b *loopBus) Publish(userID string, frame []byte) error {
	b.mu.Lock()
	d := b.deliver
	b.published++
	b.mu.Unlock()
	if d != nil {
		d(userID, frame)
	}
	return nil
}

func (b *loopBus) Subscribe(deliver func(string, []byte)) (func(), error) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return func() {}, nil
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		uid := c.Query("uid")
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), uid, "customer"))
		c.Next()
	}, h.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	return dialQuery(t, srv, "uid="+uid)
}

func dialQuery(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitConnections(t *testing.T, h *Hub, uid string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ids, _ := h.Connections(context.Background(), uid)
		if len(ids) == n {
			return ids
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connections of %s", n, uid)
	return nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHub_EmitReachesEveryConnectionOfUser(t *testing.T) {
	bus := &loopBus{}
	h := NewHub(nil, bus, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Close)
	srv := newTestServer(t, h)

	tab1 := dial(t, srv, "u1")
	tab2 := dial(t, srv, "u1")
	waitConnections(t, h, "u1", 2)

	if err := h.EmitToUser(context.Background(), "u1", "call:incoming", map[string]string{"callId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	for _, conn := range []*websocket.Conn{tab1, tab2} {
		env := readEnvelope(t, conn)
		if env.Event != "call:incoming" {
			t.Fatalf("unexpected event %q", env.Event)
		}
		var data map[string]string
		_ = json.Unmarshal(env.Data, &data)
		if data["callId"] != "c1" {
			t.Fatalf("unexpected payload %s", env.Data)
		}
	}
	bus.mu.Lock()
	published := bus.published
	bus.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected a single bus publish, got %d", published)
	}
}

func TestHub_HooksFireOnFramesAndClose(t *testing.T) {
	h := NewHub(nil, nil, nil)
	t.Cleanup(h.Close)

	var mu sync.Mutex
	var beats []string
	signoffs := 0
	disconnected := make(chan string, 1)
	h.SetHooks(Hooks{
		OnHeartbeat: func(_ context.Context, uid, device, _ string) {
			mu.Lock()
			beats = append(beats, uid+":"+device)
			mu.Unlock()
		},
		OnSignoff: func(context.Context, string) {
			mu.Lock()
			signoffs++
			mu.Unlock()
		},
		OnDisconnect: func(_ context.Context, uid, _ string) { disconnected <- uid },
	})
	srv := newTestServer(t, h)

	conn := dial(t, srv, "u2")
	waitConnections(t, h, "u2", 1)

	_ = conn.WriteJSON(map[string]any{"type": FrameHeartbeat, "data": map[string]string{"device_type": "mobile"}})
	_ = conn.WriteJSON(map[string]any{"type": FrameSignoff})
	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(beats) == 1 && signoffs == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hooks not called: beats=%v signoffs=%d", beats, signoffs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if beats[0] != "u2:mobile" {
		t.Fatalf("unexpected heartbeat %q", beats[0])
	}

	_ = conn.Close()
	select {
	case uid := <-disconnected:
		if uid != "u2" {
			t.Fatalf("unexpected disconnect user %q", uid)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect hook not called")
	}
	if ids, _ := h.Connections(context.Background(), "u2"); len(ids) != 0 {
		t.Fatalf("expected no connections after close, got %v", ids)
	}
}

func TestHub_ConnectHookCarriesDeviceType(t *testing.T) {
	h := NewHub(nil, nil, nil)
	t.Cleanup(h.Close)

	connected := make(chan string, 2)
	h.SetHooks(Hooks{
		OnConnect: func(_ context.Context, uid, device, connID string) {
			if connID == "" {
				t.Errorf("connect hook needs the connection id")
			}
			connected <- uid + ":" + device
		},
	})
	srv := newTestServer(t, h)

	dialQuery(t, srv, "uid=u3&device_type=mobile")
	dial(t, srv, "u4")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-connected:
			got[v] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("connect hook not called, got %v", got)
		}
	}
	if !got["u3:mobile"] || !got["u4:"] {
		t.Fatalf("unexpected connect hooks %v", got)
	}
}

func TestHub_EmitWithoutConnectionsIsNoop(t *testing.T) {
	h := NewHub(nil, nil, nil)
	if err := h.EmitToUser(context.Background(), "nobody", "call:ended", struct{}{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := h.EmitToUser(context.Background(), "", "call:ended", struct{}{}); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

func TestServeWS_RequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(nil, nil, nil)
	r := gin.New()
	r.GET("/ws", h.ServeWS)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
