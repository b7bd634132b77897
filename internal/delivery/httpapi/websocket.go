package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rudder/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// handleEvents upgrades the connection and streams engine events to the
// client until either side disconnects. Clients are expected to send no
// messages; anything received is discarded.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed: %v", err)
		return
	}

	sub, cancel := s.broadcaster.Subscribe()

	s.wg.Add(2)
	go s.readUntilClose(conn, cancel)
	go s.writeEvents(conn, sub)
}

// readUntilClose drains the client side of the connection so pongs and
// close frames are processed. When the read loop exits the subscription
// is cancelled, which in turn ends the write loop.
func (s *Server) readUntilClose(conn *websocket.Conn, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeEvents(conn *websocket.Conn, sub <-chan events.Envelope) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case env, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
