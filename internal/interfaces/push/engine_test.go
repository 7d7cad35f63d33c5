package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/shape"
)

func testEngine(t *testing.T, gen Generator, interval time.Duration, runIdle bool) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewEngine(ctx, gen, interval, runIdle, zap.NewNop())
}

func staticGen(payload string) Generator {
	return func(context.Context, Spec) (string, error) { return payload, nil }
}

func TestRegister_IdempotentOnEqualPayload(t *testing.T) {
	e := testEngine(t, staticGen(`{}`), time.Hour, false)

	spec := Spec{Name: "orders", Shape: `{"id":1}`}
	if err := e.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(spec); err != nil {
		t.Fatalf("equal re-register must be a no-op: %v", err)
	}
	if err := e.Register(Spec{Name: "orders", Shape: `{"id":"x"}`}); err == nil {
		t.Fatal("conflicting re-register must fail")
	}
	if err := e.Register(Spec{}); err == nil {
		t.Fatal("nameless channel must be rejected")
	}
}

func TestLifecycle(t *testing.T) {
	e := testEngine(t, staticGen(`{}`), time.Hour, false)
	if err := e.Register(Spec{Name: "ticks"}); err != nil {
		t.Fatal(err)
	}

	st, ok := e.Get("ticks")
	if !ok || st.State != StateCreated {
		t.Fatalf("fresh channel state = %+v", st)
	}
	if st.Spec.Method != "GET" || st.Spec.Path != "/ticks" {
		t.Fatalf("defaults not applied: %+v", st.Spec)
	}

	if err := e.Start("ticks"); err != nil {
		t.Fatal(err)
	}
	if st, _ = e.Get("ticks"); st.State != StateRunning {
		t.Fatalf("state after start = %s", st.State)
	}
	if err := e.Start("ticks"); err != nil {
		t.Fatalf("double start must be a no-op: %v", err)
	}

	if err := e.Stop("ticks"); err != nil {
		t.Fatal(err)
	}
	if st, _ = e.Get("ticks"); st.State != StateStopped {
		t.Fatalf("state after stop = %s", st.State)
	}

	if !e.Unregister("ticks") {
		t.Fatal("unregister must report removal")
	}
	if _, ok = e.Get("ticks"); ok {
		t.Fatal("destroyed channel still visible")
	}
	if err := e.Start("ticks"); err == nil {
		t.Fatal("starting a destroyed channel must fail")
	}
}

func TestGenerator_SkipsWhenIdle(t *testing.T) {
	var ticks atomic.Int64
	gen := func(context.Context, Spec) (string, error) {
		ticks.Add(1)
		return `{}`, nil
	}
	e := testEngine(t, gen, 10*time.Millisecond, false)

	if err := e.Register(Spec{Name: "quiet"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Start("quiet"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := ticks.Load(); n != 0 {
		t.Fatalf("idle channel generated %d payloads", n)
	}
}

func TestGenerator_RunsWhenIdleConfigured(t *testing.T) {
	var ticks atomic.Int64
	gen := func(context.Context, Spec) (string, error) {
		ticks.Add(1)
		return `{}`, nil
	}
	e := testEngine(t, gen, 10*time.Millisecond, false)

	if err := e.Register(Spec{Name: "busy", RunWhenIdle: true}); err != nil {
		t.Fatal(err)
	}
	if err := e.Start("busy"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for ticks.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("generator never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialWS(t *testing.T, e *Engine, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(e, zap.NewNop()).ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscribe_ReceivesPublishedFrames(t *testing.T) {
	e := testEngine(t, staticGen(`{"price":42}`), 10*time.Millisecond, false)
	conn := dialWS(t, e, "?channel=quotes")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame acknowledges the query-parameter subscription.
	var ack reply
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "subscribed" || ack.Channel != "quotes" {
		t.Fatalf("ack = %+v", ack)
	}

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Channel != "quotes" {
		t.Fatalf("envelope channel = %q", env.Channel)
	}
	var data map[string]int
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["price"] != 42 {
		t.Fatalf("payload = %s", env.Data)
	}

	// Subscribing auto-created and started the channel.
	st, ok := e.Get("quotes")
	if !ok || st.State != StateRunning || st.Subscribers != 1 {
		t.Fatalf("channel status = %+v", st)
	}
}

func TestCommands_SubscribeUnsubscribe(t *testing.T) {
	e := testEngine(t, staticGen(`{}`), time.Hour, false)
	conn := dialWS(t, e, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(command{Action: "subscribe", Channel: "alerts"}); err != nil {
		t.Fatal(err)
	}
	var r reply
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatal(err)
	}
	if r.Type != "subscribed" {
		t.Fatalf("reply = %+v", r)
	}

	if err := conn.WriteJSON(command{Action: "unsubscribe", Channel: "alerts"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatal(err)
	}
	if r.Type != "unsubscribed" {
		t.Fatalf("reply = %+v", r)
	}

	deadline := time.Now().Add(time.Second)
	for {
		st, _ := e.Get("alerts")
		if st.Subscribers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not removed: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(command{Action: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatal(err)
	}
	if r.Type != "error" {
		t.Fatalf("unknown action reply = %+v", r)
	}
}

func TestErrorConfig_PublishedInsteadOfGenerating(t *testing.T) {
	var called atomic.Bool
	gen := func(context.Context, Spec) (string, error) {
		called.Store(true)
		return `{}`, nil
	}
	e := testEngine(t, gen, 10*time.Millisecond, false)

	if err := e.Register(Spec{
		Name:        "broken",
		ErrorConfig: &shape.ErrorConfig{Status: 503, Message: "backend down"},
	}); err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, e, "?channel=broken")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack reply
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(env.Data), "backend down") {
		t.Fatalf("error payload = %s", env.Data)
	}
	if called.Load() {
		t.Fatal("error channels must not invoke the generator")
	}
}
