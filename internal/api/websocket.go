package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// feedMessage is one frame of the dashboard feed
type feedMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// dashboardFeedHandler upgrades to a websocket and pushes a dashboard
// snapshot immediately and then on every push interval until the client goes away.
func (g *HTTPGateway) dashboardFeedHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn(r.Context(), "Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)

	g.logger.Debug(ctx, "Dashboard client connected", zap.String("remote", getClientIP(r)))

	ticker := time.NewTicker(g.push)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := g.pushSnapshot(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := g.pushSnapshot(ctx, conn); err != nil {
				g.logger.Debug(ctx, "Dashboard client gone", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed and
// cancels the feed once the connection closes.
func (g *HTTPGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *HTTPGateway) pushSnapshot(ctx context.Context, conn *websocket.Conn) error {
	msg := feedMessage{Type: "dashboard", Timestamp: time.Now().UTC()}
	snapshot, err := g.service.DashboardSnapshot(ctx)
	if err != nil {
		_, code := StatusFor(err)
		msg.Type = "error"
		msg.Error = code
	} else {
		msg.Data = snapshot
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
