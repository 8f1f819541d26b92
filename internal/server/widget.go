package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/jackbot/internal/chat"
	"github.com/comigor/jackbot/internal/logger"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// widgetMessage is what the browser sends for each submit.
type widgetMessage struct {
	Text string `json:"text"`
}

// widget gives every websocket connection its own chat session and pushes the
// session's events back as JSON frames.
func (s *Server) widget(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	push := func(ev chat.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			logger.L.Debug("push chat event", "type", ev.Type, "error", err)
		}
	}

	sess, err := chat.FromConfig(s.chat, chat.WithListener(push))
	if err != nil {
		logger.L.Error("create chat session", "error", err)
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "chat unavailable"))
		writeMu.Unlock()
		return
	}
	logger.L.Info("widget connected", "session", sess.ID(), "contract", sess.Contract().Name())

	// exchanges outlive the socket: a closed view never aborts a pending request
	ctx := context.WithoutCancel(r.Context())
	var pending sync.WaitGroup
	defer func() {
		pending.Wait()
		logger.L.Info("widget disconnected", "session", sess.ID(), "entries", sess.Len())
	}()

	for {
		var msg widgetMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L.Warn("widget read", "session", sess.ID(), "error", err)
			}
			return
		}
		replies, err := sess.SubmitAsync(ctx, msg.Text)
		if err != nil {
			logger.L.Error("submit", "session", sess.ID(), "error", err)
			return
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			if reply := <-replies; reply.Outcome == chat.OutcomeFailed {
				logger.L.Debug("widget exchange failed", "session", sess.ID(), "error", reply.Err)
			}
		}()
	}
}
