package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(EventResolution, map[string]string{"id": "123"})
	if evt.Type != EventResolution {
		t.Fatalf("expected resolution event, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "123" {
		t.Fatalf("expected id=123, got %q", payload["id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	first := NewEvent("first", nil)
	second := NewEvent("second", nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", h.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(&Handler{Hub: h})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var evt Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != EventReady {
		t.Fatalf("expected ready event, got %+v err=%v", evt, err)
	}
	for h.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(NewEvent(EventResolution, map[string]any{"request_id": 4, "outcome": "DENY"}))
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != EventResolution {
		t.Fatalf("expected resolution event, got %+v err=%v", evt, err)
	}
	var data map[string]any
	_ = json.Unmarshal(evt.Data, &data)
	if data["outcome"] != "DENY" {
		t.Fatalf("unexpected payload %s", evt.Data)
	}
}

func TestHandlerWithoutHub(t *testing.T) {
	rr := httptest.NewRecorder()
	(&Handler{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
