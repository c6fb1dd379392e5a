package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/notify"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Feed upgrades to a WebSocket and pushes every change as {type, data}. The
// first message is a tasks_updated snapshot. A client {"type":"ping"} is
// answered with {"type":"pong"}.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Handler.Warn("websocket accept", "error", err)
		return
	}
	defer c.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hub := h.svc.Hub()
	var (
		subID  int
		events <-chan notify.Event
	)
	defer func() { hub.Unsubscribe(subID) }()

	// subscribe registers before taking the snapshot so no change falls
	// between the two.
	subscribe := func() bool {
		subID, events = hub.Subscribe()
		snap, err := h.svc.Snapshot(ctx)
		if err != nil {
			logger.Handler.Error("feed snapshot", "error", err)
			c.Close(websocket.StatusInternalError, "snapshot failed")
			return false
		}
		return write(ctx, c, snap.Message()) == nil
	}
	if !subscribe() {
		return
	}
	logger.Handler.Debug("feed connected", "subscriber", subID, "remote", r.RemoteAddr)

	pings := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Handler.Debug("feed closed", "subscriber", subID)
			return
		case e, ok := <-events:
			if !ok {
				// Evicted for falling behind; start over from a snapshot.
				logger.Handler.Warn("feed fell behind, resending snapshot", "subscriber", subID)
				if !subscribe() {
					return
				}
				continue
			}
			if err := write(ctx, c, e.Message()); err != nil {
				return
			}
		case <-pings:
			if err := write(ctx, c, notify.Message{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pctx)
			pcancel()
			if err != nil {
				logger.Handler.Debug("feed heartbeat failed", "subscriber", subID, "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, msg notify.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, msg)
}
