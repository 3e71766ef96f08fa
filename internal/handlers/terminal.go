package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/sessions"
	"github.com/go-chi/chi/v5"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// surfaceWriteTimeout bounds a single output frame to a slow client. A
// surface that times out is unmounted by the registry.
const surfaceWriteTimeout = 10 * time.Second

// Close codes sent to terminal and metrics clients.
const (
	closeSessionNotFound = 4404
	closeSessionClosed   = 4410
	closeInternal        = 4500
)

type termResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	// Advance the refill clock only when whole tokens are added.
	if add := int(elapsed.Seconds() * float64(tb.refillRate)); add > 0 {
		tb.tokens += add
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// wsSurface is the display surface for one terminal WebSocket.
type wsSurface struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (s *wsSurface) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(s.ctx, surfaceWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// TerminalWS mounts a session's terminal on a WebSocket. Output, starting
// with the scrollback replay, is sent as binary frames. Binary frames from
// the client are input; text frames carry {"type":"resize"} messages.
// Closing the socket unmounts the terminal but leaves the session and its
// connection running.
func (s *Server) TerminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Sessions.Live(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// End the relay when the session is closed elsewhere.
	var closeOnce sync.Once
	cancelSub := s.Sessions.Subscribe(func(ev sessions.Event) {
		if ev.Kind == sessions.EventListChanged && ev.Action == sessions.ActionClosed && ev.SessionID == id {
			closeOnce.Do(func() {
				go clientConn.Close(closeSessionClosed, "Session closed")
			})
		}
	})
	defer cancelSub()

	surface := &wsSurface{conn: clientConn, ctx: relayCtx}
	if err := s.Sessions.Mount(id, surface); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			clientConn.Close(closeSessionNotFound, "Session not found")
		} else {
			log.Printf("[terminal] mount session %s: %v", id, err)
			clientConn.Close(closeInternal, "Failed to attach terminal")
		}
		return
	}
	log.Printf("[terminal] session %s mounted", id)
	defer func() {
		s.Sessions.Unmount(id, surface)
		log.Printf("[terminal] session %s unmounted", id)
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			break
		}

		// Rate limit: drop messages that exceed the allowed rate
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			err := s.Sessions.Input(id, data)
			switch {
			case err == nil:
			case errors.Is(err, connmgr.ErrInputTooLarge):
				log.Printf("[terminal] input too large: session=%s size=%d limit=%d", id, len(data), connmgr.MaxInputSize)
			case errors.Is(err, connmgr.ErrNotConnected):
				// Keystrokes while disconnected are dropped.
			case errors.Is(err, sessions.ErrSessionNotFound):
				clientConn.Close(closeSessionClosed, "Session closed")
				return
			default:
				log.Printf("[terminal] input for session %s: %v", id, err)
			}
			continue
		}

		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			s.Sessions.Resize(id, msg.Cols, msg.Rows)
		}
	}

	clientConn.Close(websocket.StatusNormalClosure, "")
}
