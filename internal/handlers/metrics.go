package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/monitor"
	"github.com/go-chi/chi/v5"
)

// metricsBuffer is how many snapshots may queue for a slow client before
// older ones are dropped.
const metricsBuffer = 8

// metricsStatusInterval is how often the subscription state is checked for
// a scoped failure.
const metricsStatusInterval = time.Second

type metricsMessage struct {
	Type     string            `json:"type"`
	TargetID string            `json:"target_id"`
	Snapshot *monitor.Snapshot `json:"snapshot,omitempty"`
	Detail   string            `json:"detail,omitempty"`
}

// MetricsWS streams metrics for the target a session is bound to. Every
// socket holds one reference on the target's shared subscription until it
// closes. A feed failure is reported as an error frame and ends the socket;
// the session's terminal is unaffected.
func (s *Server) MetricsWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, err := s.Sessions.Target(id)
	if err != nil {
		writeDomainError(w, "metrics target", err)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[metrics] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates := make(chan monitor.Snapshot, metricsBuffer)
	unsubscribe, err := s.Metrics.Subscribe(ctx, target.ID, func(snap monitor.Snapshot) {
		select {
		case updates <- snap:
		default:
			// Drop the oldest queued snapshot in favour of the newest.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	if err != nil {
		writeMetricsMessage(ctx, clientConn, metricsMessage{Type: "error", TargetID: target.ID, Detail: err.Error()})
		clientConn.Close(closeInternal, "Metrics unavailable")
		return
	}
	defer unsubscribe()
	log.Printf("[metrics] session %s subscribed to %s", id, target.ID)

	// The client sends nothing; reading detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := clientConn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(metricsStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := writeMetricsMessage(ctx, clientConn, metricsMessage{Type: "snapshot", TargetID: target.ID, Snapshot: &snap}); err != nil {
				return
			}
		case <-ticker.C:
			state, serr := s.Metrics.Status(target.ID)
			if state != monitor.StateError {
				continue
			}
			detail := "metrics feed failed"
			if serr != nil {
				detail = serr.Error()
			}
			writeMetricsMessage(ctx, clientConn, metricsMessage{Type: "error", TargetID: target.ID, Detail: detail})
			clientConn.Close(closeInternal, "Metrics feed failed")
			return
		}
	}
}

func writeMetricsMessage(ctx context.Context, conn *websocket.Conn, msg metricsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
