package uplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ReconnectBackoff <= 0 {
		t.Error("ReconnectBackoff should be positive")
	}
	if cfg.MaxBackoff <= 0 {
		t.Error("MaxBackoff should be positive")
	}
	if cfg.PingInterval <= 0 {
		t.Error("PingInterval should be positive")
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	if client.IsConnected() {
		t.Error("Client should not be connected initially")
	}
	if stats := client.GetStats(); stats.FixesSent != 0 {
		t.Error("FixesSent should be 0 initially")
	}
}

func TestConnectWithoutURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = ""

	if err := NewClient(cfg, nil).Connect(context.Background()); err == nil {
		t.Error("Connect should fail without a URL")
	}
}

func TestSendFixNotConnected(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	if err := client.SendFix(locator.Fix{ID: "f"}); err == nil {
		t.Error("SendFix should return error when not connected")
	}
	if stats := client.GetStats(); stats.FixesDropped != 1 {
		t.Errorf("FixesDropped = %d, want 1", stats.FixesDropped)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// collector is a test server that records received messages and can push
// messages to the connected station.
type collector struct {
	mu       sync.Mutex
	received []*protocol.Message
	station  string
	conn     *websocket.Conn
	ready    chan struct{}
}

func newCollector(t *testing.T) (*collector, *httptest.Server) {
	c := &collector{ready: make(chan struct{})}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}
		defer conn.Close()

		c.mu.Lock()
		c.station = r.Header.Get("X-Station")
		c.conn = conn
		c.mu.Unlock()
		close(c.ready)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.received = append(c.received, msg)
			c.mu.Unlock()
		}
	}))

	return c, server
}

func (c *collector) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func (c *collector) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.received...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func connectedClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Station = "station-7"
	cfg.ReconnectBackoff = 50 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	waitFor(t, client.IsConnected)
	return client
}

func TestPublishFixes(t *testing.T) {
	coll, server := newCollector(t)
	defer server.Close()

	client := connectedClient(t, server)
	<-coll.ready

	if coll.station != "station-7" {
		t.Errorf("X-Station = %q, want station-7", coll.station)
	}

	ch := make(chan locator.Fix, 2)
	ch <- locator.Fix{ID: "f1", Position: geom.P(1, 2, 3)}
	ch <- locator.Fix{ID: "f2"}
	close(ch)

	client.Publish(context.Background(), ch)

	waitFor(t, func() bool { return len(coll.messages()) == 2 })

	msgs := coll.messages()
	if msgs[0].Type != protocol.TypeFix {
		t.Errorf("Type = %v, want fix", msgs[0].Type)
	}
	fix, err := msgs[0].GetFix()
	if err != nil {
		t.Fatalf("GetFix() error = %v", err)
	}
	if fix.ID != "f1" || fix.Position != geom.P(1, 2, 3) {
		t.Errorf("unexpected fix %+v", fix)
	}

	if stats := client.GetStats(); stats.FixesSent != 2 || !stats.Connected {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReceiveEvent(t *testing.T) {
	coll, server := newCollector(t)
	defer server.Close()

	client := connectedClient(t, server)

	events := make(chan locator.Event, 1)
	client.OnEvent(func(ev locator.Event) { events <- ev })

	<-coll.ready
	msg, _ := protocol.NewEventMessage(locator.Event{
		ID:           "remote-1",
		Platforms:    []string{"drone1"},
		ArrivalTimes: []float64{0.1, 0.2, 0.3, 0.4},
	})
	coll.send(t, msg)

	select {
	case ev := <-events:
		if ev.ID != "remote-1" || ev.Source != SourceName || len(ev.ArrivalTimes) != 4 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	if stats := client.GetStats(); stats.EventsReceived != 1 {
		t.Errorf("EventsReceived = %d, want 1", stats.EventsReceived)
	}
}

func TestInvalidEventAnswersError(t *testing.T) {
	coll, server := newCollector(t)
	defer server.Close()

	connectedClient(t, server)
	<-coll.ready

	msg, _ := protocol.NewEventMessage(locator.Event{ID: "empty"})
	coll.send(t, msg)

	waitFor(t, func() bool {
		for _, m := range coll.messages() {
			if m.Type == protocol.TypeError {
				return true
			}
		}
		return false
	})
}

func TestPingPong(t *testing.T) {
	coll, server := newCollector(t)
	defer server.Close()

	connectedClient(t, server)
	<-coll.ready

	ping, _ := protocol.NewMessage(protocol.TypePing, nil)
	coll.send(t, ping)

	waitFor(t, func() bool {
		for _, m := range coll.messages() {
			if m.Type == protocol.TypePong {
				return true
			}
		}
		return false
	})
}

func TestReconnectAfterFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/ws"
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, func() bool { return client.GetStats().Reconnects >= 2 })

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("client should not be connected")
	}
}
