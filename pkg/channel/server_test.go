package channel

import (
	"context"
	"net/http"
	"sync"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/SoftCheck-app/agents/pkg/wire"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestServerRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h)
	srv := httptest.NewServer(&Server{Channel: ch, Token: "s3cret"})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, resp, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
		t.Fatal("dial without token must fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	hdr := http.Header{"Authorization": []string{"Bearer s3cret"}}
	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, ch.Connected)

	// a second authority is refused before the upgrade
	if _, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: hdr}); err == nil {
		t.Fatal("second authority must be refused")
	} else if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", resp)
	}

	req, _ := wire.EncodeInstallRequest(wire.InstallRequest{RequestID: 3, FilePath: "setup.exe"})
	if err := ch.Send(ctx, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil || typ != websocket.MessageBinary {
		t.Fatalf("read: %v type=%v", err, typ)
	}
	got, err := wire.DecodeInstallRequest(data)
	if err != nil || got.RequestID != 3 || got.FilePath != "setup.exe" {
		t.Fatalf("unexpected request %+v err=%v", got, err)
	}

	resp, _ := wire.EncodeInstallResponse(wire.InstallResponse{RequestID: 3, Allow: false, Reason: "unsigned"})
	if err := conn.Write(ctx, websocket.MessageBinary, resp); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.responses) == 1
	})
	if h.responses[0].Reason != "unsigned" {
		t.Fatalf("unexpected response %+v", h.responses[0])
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return !ch.Connected() })
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.disconnects == 1
	})
}

func TestServerReportsInvalidFrames(t *testing.T) {
	ch := New(&fakeHandler{})
	invalid := make(chan error, 4)
	srv := httptest.NewServer(&Server{Channel: ch, OnInvalid: func(err error) { invalid <- err }})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2}); err != nil {
		t.Fatalf("write short: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-invalid:
		case <-ctx.Done():
			t.Fatal("expected invalid frame report")
		}
	}
	if !ch.Connected() {
		t.Fatal("invalid frames must not drop the authority")
	}
}

func TestServerRefusesAfterUpgradeWhenClosed(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h)
	ch.Close()
	srv := httptest.NewServer(&Server{Channel: ch})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("upgrade should succeed before the connect check: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if ch.Connected() {
		t.Fatal("closed channel must not attach an authority")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnects != 0 {
		t.Fatal("refused authority must not trigger a disconnect sweep")
	}
}

func TestServerConcurrentAuthoritiesOneWins(t *testing.T) {
	h := &fakeHandler{}
	ch := New(h)
	srv := httptest.NewServer(&Server{Channel: ch})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const dialers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	wg.Wait()
	waitFor(t, ch.Connected)

	// losers that got past the pre-upgrade check are closed by the server
	survivors := 0
	for _, conn := range conns {
		readCtx, cancelRead := context.WithTimeout(ctx, 200*time.Millisecond)
		_, _, err := conn.Read(readCtx)
		cancelRead()
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation:
		default:
			survivors++
		}
		conn.CloseNow()
	}
	if survivors != 1 {
		t.Fatalf("expected exactly one attached authority, got %d", survivors)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.responses) != 0 {
		t.Fatalf("unexpected responses %v", h.responses)
	}
}
