package adminapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  wsReadBufferSize,
	WriteBufferSize: wsWriteBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// vmLogHub fans formatted log lines out to every active /vms/{id}/logs
// subscriber for the matching vm id. internal/logbridge never talks to
// this directly — it writes through the process logger, and NewLogHook
// taps that stream instead, keeping the log bridge ignorant of the admin
// API entirely.
type vmLogHub struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

// NewLogHub constructs an empty hub, shared between cmd/agentfleetd's
// logrus hook registration and the admin Server.
func NewLogHub() *vmLogHub {
	return &vmLogHub{subs: make(map[string]map[chan string]struct{})}
}

func (h *vmLogHub) subscribe(vmID string) (chan string, func()) {
	ch := make(chan string, 64)

	h.mu.Lock()
	if h.subs[vmID] == nil {
		h.subs[vmID] = make(map[chan string]struct{})
	}
	h.subs[vmID][ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs[vmID], ch)
		if len(h.subs[vmID]) == 0 {
			delete(h.subs, vmID)
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

func (h *vmLogHub) broadcast(vmID, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[vmID] {
		select {
		case ch <- line:
		default:
			// Subscriber is behind; drop the line rather than block the
			// hook that logrus calls synchronously for every log entry.
		}
	}
}

// logHook is a logrus.Hook that recovers the "[<vm_id>] <line>" tagging
// internal/logbridge applies to every guest log line and republishes it on
// the hub, so a websocket tail client never needs its own connection into
// the vsock log channel.
type logHook struct {
	hub *vmLogHub
}

// NewLogHook builds the logrus hook cmd/agentfleetd registers on the
// process logger with logger.AddHook.
func NewLogHook(hub *vmLogHub) logrus.Hook {
	return &logHook{hub: hub}
}

func (h *logHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *logHook) Fire(entry *logrus.Entry) error {
	msg := entry.Message
	if !strings.HasPrefix(msg, "[") {
		return nil
	}
	end := strings.Index(msg, "] ")
	if end <= 1 {
		return nil
	}
	vmID := msg[1:end]
	line := msg[end+2:]
	h.hub.broadcast(vmID, line)
	return nil
}

// handleTailLogs upgrades to a websocket and streams every line broadcast
// for vmID until the client disconnects, with ping/pong keepalive so dead
// clients are reaped rather than pinned forever.
func (s *Server) handleTailLogs(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "vmID")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade log tail websocket")
		return
	}
	defer conn.Close()

	lines, unsubscribe := s.logHub.subscribe(vmID)
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Drain (and discard) client reads so pongs are processed; a tail
	// connection never expects input.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
