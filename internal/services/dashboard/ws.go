package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage is the envelope of every websocket frame in both directions.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	wsSnapshot = "snapshot"
	wsStart    = "start"
	wsStop     = "stop"
)

// handleWS pushes a snapshot on every session change and on the refresh
// interval. The client may send {"type":"start"} or {"type":"stop"}; a
// rejected start shows up in the next snapshot as last_error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go s.wsRead(cancel, conn)
	go wsPing(ctx, cancel, conn)

	// Run's goroutine is the only data writer on conn
	sched := session.NewScheduler(s.ctrl, s.cfg.RefreshInterval)
	err = sched.Run(ctx, func(snap session.Snapshot) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		msg := WSMessage{Type: wsSnapshot, Payload: NewDashboardData(snap, s.cfg.RecentRows)}
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("websocket session ended", zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) wsRead(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case wsStart:
			if err := s.ctrl.StartMonitoring(); err != nil {
				s.logger.Info("start from websocket rejected", zap.Error(err))
			}
		case wsStop:
			s.ctrl.StopMonitoring()
		default:
			s.logger.Debug("unknown websocket command", zap.String("type", msg.Type))
		}
	}
}

func wsPing(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
