package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/narvanalabs/topology-console/internal/rollout"
	"github.com/narvanalabs/topology-console/internal/statussync"
)

// Stream event types.
const (
	eventConnected = "connected"
	eventSnapshot  = "snapshot"
	eventStale     = "stale"
	eventPing      = "ping"
)

// Message is one websocket frame sent to a viewer.
type Message struct {
	Type     string               `json:"type"`
	GroupKey string               `json:"group_key"`
	Snapshot *statussync.Snapshot `json:"snapshot,omitempty"`
	Error    string               `json:"error,omitempty"`
	Time     int64                `json:"time,omitempty"`
}

// staleNotice tells a viewer its tree is no longer current.
type staleNotice struct {
	GroupKey string `json:"group_key"`
	Error    string `json:"error"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream streams a group's snapshots via Server-Sent Events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	sub, err := s.deps.Monitor.Watch(r.Context(), group)
	if err != nil {
		s.writeSyncError(w, r, group, err)
		return
	}
	defer s.deps.Monitor.Unwatch(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	log := s.requestLogger(r)
	log.Info("snapshot stream started", "subscriber_id", sub.ID)
	s.sendEvent(w, eventConnected, map[string]string{
		"group_key":     group,
		"subscriber_id": sub.ID,
	})

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info("snapshot stream closed by client")
			return
		case <-s.closing:
			return
		case <-ping.C:
			s.sendEvent(w, eventPing, map[string]int64{"time": time.Now().Unix()})
		case u, ok := <-sub.Ch:
			if !ok {
				return
			}
			if u.Snapshot != nil {
				s.sendEvent(w, eventSnapshot, u.Snapshot)
			} else {
				s.sendEvent(w, eventStale, staleNotice{GroupKey: group, Error: u.Err.Error()})
			}
		}
	}
}

// sendEvent sends a Server-Sent Event.
func (s *Server) sendEvent(w http.ResponseWriter, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal event data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleWebSocket streams a group's snapshots over a websocket. Frames from
// the viewer are read only to notice when it goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	sub, err := s.deps.Monitor.Watch(r.Context(), group)
	if err != nil {
		s.writeSyncError(w, r, group, err)
		return
	}
	defer s.deps.Monitor.Unwatch(sub)

	log := s.requestLogger(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	log.Info("snapshot websocket opened", "subscriber_id", sub.ID)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	if err := conn.WriteJSON(Message{Type: eventConnected, GroupKey: group}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		var msg Message
		select {
		case <-gone:
			log.Info("snapshot websocket closed by client")
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			msg = Message{Type: eventPing, GroupKey: group, Time: time.Now().Unix()}
		case u, ok := <-sub.Ch:
			if !ok {
				return
			}
			msg = toMessage(group, u)
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("websocket write error", "error", err)
			return
		}
	}
}

func toMessage(group string, u rollout.Update) Message {
	if u.Snapshot != nil {
		return Message{Type: eventSnapshot, GroupKey: group, Snapshot: u.Snapshot}
	}
	return Message{Type: eventStale, GroupKey: group, Error: u.Err.Error()}
}
