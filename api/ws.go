package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/types"
)

// handleSubscribe 为单个 Agent 打开实时推送通道。
// 推送是至多一次的加速路径；排队取回仍然是可靠兜底。
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		h.writeError(w, types.NewError(types.ErrInvalidArgument, "agent id path segment is required"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("agent", agentID), zap.Error(err))
		return
	}

	ch, cancel := h.hub.Subscribe(agentID)
	defer cancel()

	h.logger.Info("push channel opened", zap.String("agent", agentID))
	defer h.logger.Info("push channel closed", zap.String("agent", agentID))

	ctx := r.Context()

	// 读取端只用于感知断开
	go func() {
		for {
			if _, _, rerr := conn.Read(ctx); rerr != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "subscription replaced")
				return
			}
			if werr := wsjson.Write(ctx, conn, msg); werr != nil {
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}
