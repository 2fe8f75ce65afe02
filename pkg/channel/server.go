package channel

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/SoftCheck-app/agents/pkg/auth"
	"github.com/SoftCheck-app/agents/pkg/httpx"
	"github.com/SoftCheck-app/agents/pkg/wire"
)

// Server exposes the channel as a websocket endpoint. Each binary frame
// carries exactly one record.
type Server struct {
	Channel        *Channel
	Token          string
	OriginPatterns []string
	WriteTimeout   time.Duration
	// OnInvalid is called for every rejected inbound frame.
	OnInvalid func(err error)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && !auth.TokenMatches(auth.BearerToken(r), s.Token) {
		httpx.Error(w, http.StatusUnauthorized, "invalid channel token")
		return
	}
	if s.Channel.Connected() {
		httpx.Error(w, http.StatusConflict, ErrConnectionRefused.Error())
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.OriginPatterns) > 0 {
		opts.OriginPatterns = s.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	conn.SetReadLimit(wire.MaxMessageSize)

	cl := &wsClient{id: uuid.NewString(), conn: conn, writeTimeout: s.WriteTimeout}
	if err := s.Channel.Connect(cl); err != nil {
		// lost a race with another authority, or the channel was closed
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.Channel.Disconnect(cl)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Printf("channel: authority %s read failed: %v", cl.id, err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		}
		if typ != websocket.MessageBinary {
			s.invalid(ErrInvalidMessage)
			continue
		}
		if err := s.Channel.HandleMessage(ctx, data); err != nil {
			s.invalid(err)
		}
	}
}

func (s *Server) invalid(err error) {
	log.Printf("channel: rejected message: %v", err)
	if s.OnInvalid != nil {
		s.OnInvalid(err)
	}
}

type wsClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(ctx context.Context, msg []byte) error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageBinary, msg)
}

func (c *wsClient) Close(reason string) error {
	return c.conn.Close(websocket.StatusGoingAway, reason)
}
