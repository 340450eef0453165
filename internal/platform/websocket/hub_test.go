package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartcheck/internal/platform/db"
)

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	return Event{}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestHub_PublishIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	acme := NewClient("acme")
	other := NewClient("globex")
	hub.Register(acme, "visit-1")
	hub.Register(other, "visit-1")

	ctx := db.WithTenant(context.Background(), "acme")
	if err := hub.Publish(ctx, Event{Type: "note.updated", VisitID: "visit-1"}); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, acme); ev.Type != "note.updated" || ev.VisitID != "visit-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	expectNone(t, other)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("acme")
	hub.Register(c)
	ctx := db.WithTenant(context.Background(), "acme")

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Visits: []string{"visit-2", " "}})
	if n := hub.TopicCount("acme", "visit-2"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	_ = hub.Publish(ctx, Event{Type: "note.updated", VisitID: "visit-2"})
	recv(t, c)

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Visits: []string{"visit-2"}})
	if n := hub.TopicCount("acme", "visit-2"); n != 0 {
		t.Errorf("expected topic to be dropped, got %d", n)
	}
	_ = hub.Publish(ctx, Event{Type: "note.updated", VisitID: "visit-2"})
	expectNone(t, c)

	hub.ProcessMessage(c, ClientMessage{Action: "shout", Visits: []string{"visit-3"}})
	if n := hub.TopicCount("acme", "visit-3"); n != 0 {
		t.Error("unknown actions must be ignored")
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("acme")
	hub.Register(c, "visit-1", "visit-2")
	hub.Unregister(c)
	hub.Unregister(c)

	if hub.ClientCount() != 0 || hub.TopicCount("acme", "visit-1") != 0 {
		t.Error("expected client to be fully removed")
	}
	if _, ok := <-c.Send; ok {
		t.Error("expected Send to be closed")
	}
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("acme")
	hub.Register(c, "visit-1")
	ctx := db.WithTenant(context.Background(), "acme")
	for i := 0; i < sendBuffer+5; i++ {
		if err := hub.Publish(ctx, Event{Type: "note.updated", VisitID: "visit-1"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.Send) != sendBuffer {
		t.Errorf("expected buffer to hold %d events, got %d", sendBuffer, len(c.Send))
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := db.WithTenant(c.Request().Context(), "acme")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub, []string{"https://chart.example"}).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notes?visit=visit-1"
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://chart.example"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("acme", "visit-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(db.WithTenant(context.Background(), "acme"), Event{Type: "note.updated", VisitID: "visit-1"})
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.VisitID != "visit-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), []string{"https://chart.example"}).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notes"
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}
