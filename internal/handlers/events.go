package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/sessions"
)

// eventsBuffer is how many events may queue for a slow client before the
// socket is closed so the client resyncs from the workspace snapshot.
const eventsBuffer = 64

type eventMessage struct {
	Type      string              `json:"type"`
	Workspace *sessions.Workspace `json:"workspace,omitempty"`
	Event     *sessions.Event     `json:"event,omitempty"`
}

// EventsWS streams orchestrator events. The first frame is the current
// workspace; every later frame is one event.
func (s *Server) EventsWS(w http.ResponseWriter, r *http.Request) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan sessions.Event, eventsBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	cancelSub := s.Sessions.Subscribe(func(ev sessions.Event) {
		select {
		case events <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer cancelSub()

	ws := s.Sessions.Snapshot()
	if err := writeEventMessage(ctx, clientConn, eventMessage{Type: "workspace", Workspace: &ws}); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := clientConn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			log.Printf("[events] client too slow, closing event stream")
			clientConn.Close(websocket.StatusTryAgainLater, "Event backlog exceeded")
			return
		case ev := <-events:
			if err := writeEventMessage(ctx, clientConn, eventMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func writeEventMessage(ctx context.Context, conn *websocket.Conn, msg eventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
