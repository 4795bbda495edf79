package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// feedServer is a minimal change-feed endpoint for tests. It records the
// subscribe frame and pushes whatever events the test enqueues.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []subscribeFrame
	conns  []*websocket.Conn
}

func newFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	t.Helper()
	fs := &feedServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var frame subscribeFrame
	if err := conn.ReadJSON(&frame); err != nil {
		_ = conn.Close()
		return
	}
	fs.mu.Lock()
	fs.frames = append(fs.frames, frame)
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	// Keep reading so pings/closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (fs *feedServer) push(evt ChangeEvent) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, _ := json.Marshal(evt)
	for _, c := range fs.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

func (fs *feedServer) frameCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.frames)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	fs, srv := newFeedServer(t)
	c := NewClient(wsURL(srv), "key", "tok", zap.NewNop())
	defer c.Close()

	var mu sync.Mutex
	var got []RawRow
	cancel, err := c.Subscribe(Scope{Table: "notifications", Key: "owner-1"}, Handlers{
		OnInsert: func(r RawRow) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	waitFor(t, func() bool { return fs.frameCount() == 1 }, "subscribe frame never arrived")

	fs.mu.Lock()
	frame := fs.frames[0]
	fs.mu.Unlock()
	if frame.Table != "notifications" || frame.Key != "owner-1" || frame.Token != "tok" {
		t.Errorf("subscribe frame = %+v", frame)
	}

	fs.push(ChangeEvent{Kind: ChangeInsert, Table: "notifications", Row: RawRow{ID: "n1", OwnerID: "owner-1"}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "insert event never delivered")

	mu.Lock()
	if got[0].ID != "n1" {
		t.Errorf("row id = %q, want n1", got[0].ID)
	}
	mu.Unlock()
}

func TestResubscribeSameScopeTearsDownPrevious(t *testing.T) {
	fs, srv := newFeedServer(t)
	c := NewClient(wsURL(srv), "key", "tok", zap.NewNop())
	defer c.Close()

	scope := Scope{Table: "typing", Key: "conv-1"}
	cancel1, err := c.Subscribe(scope, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return fs.frameCount() == 1 }, "first subscribe missing")

	// Second subscribe for the same scope must replace the first, never
	// leave two live listeners for one scope.
	cancel2, err := c.Subscribe(scope, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()
	waitFor(t, func() bool { return fs.frameCount() == 2 }, "second subscribe missing")

	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("live subscriptions = %d, want 1", n)
	}

	// Cancelling the replaced subscription must be a safe no-op.
	cancel1()
}

func TestCancelStopsDelivery(t *testing.T) {
	fs, srv := newFeedServer(t)
	c := NewClient(wsURL(srv), "key", "tok", zap.NewNop())
	defer c.Close()

	var mu sync.Mutex
	count := 0
	cancel, err := c.Subscribe(Scope{Table: "notifications", Key: "o"}, Handlers{
		OnInsert: func(RawRow) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return fs.frameCount() == 1 }, "subscribe missing")

	cancel()
	fs.push(ChangeEvent{Kind: ChangeInsert, Row: RawRow{ID: "late"}})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("events after cancel = %d, want 0", count)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Error("decodeEvent should fail on malformed frame")
	}
	evt, err := decodeEvent([]byte(`{"kind":"update","table":"notifications","row":{"id":"n1","read":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != ChangeUpdate || evt.Row.ID != "n1" || !evt.Row.Read {
		t.Errorf("decoded event = %+v", evt)
	}
}

func TestDispatchIgnoresUnknownKind(t *testing.T) {
	called := false
	h := Handlers{OnInsert: func(RawRow) { called = true }}
	h.dispatch(ChangeEvent{Kind: "truncate"})
	if called {
		t.Error("unknown change kind must not dispatch")
	}
}
