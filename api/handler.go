package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/airouter"
	"github.com/BaSui01/agenthub/consensus"
	"github.com/BaSui01/agenthub/graph"
	"github.com/BaSui01/agenthub/hub"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/scheduler"
	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

// Handler 是协调核心的 HTTP 入口。
type Handler struct {
	graph     *graph.KnowledgeGraph
	hub       *hub.Hub
	consensus *consensus.Coordinator
	scheduler *scheduler.Scheduler
	router    *airouter.Router
	adapter   *storage.Adapter
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler 创建 API 处理器。collector 可以为 nil。
func NewHandler(
	g *graph.KnowledgeGraph,
	h *hub.Hub,
	c *consensus.Coordinator,
	s *scheduler.Scheduler,
	r *airouter.Router,
	adapter *storage.Adapter,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		graph:     g,
		hub:       h,
		consensus: c,
		scheduler: s,
		router:    r,
		adapter:   adapter,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "api")),
		now:       time.Now,
	}
}

// Routes 返回挂好所有端点的 mux。
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/call", h.handleToolCall)
	mux.HandleFunc("GET /v1/agents/{id}/subscribe", h.handleSubscribe)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleToolCall 把一次工具调用分发到恰好一个核心操作。
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.NewError(types.ErrInvalidArgument, "malformed request body").WithCause(err))
		return
	}
	if req.Name == "" {
		h.writeError(w, types.NewError(types.ErrInvalidArgument, "tool name is required"))
		return
	}

	// 流式工具直接接管响应
	if req.Name == "stream_ai_response" {
		h.streamAIResponse(w, r, req.Arguments)
		return
	}

	start := h.now()
	data, err := h.dispatch(r.Context(), req.Name, req.Arguments)
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.metrics.RecordToolCall(req.Name, result, h.now().Sub(start))

	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, data)
}

// dispatch 工具名 -> 核心操作，一一对应。
func (h *Handler) dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "create_entities":
		var a createEntitiesArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.graph.CreateEntities(ctx, a.Entities)

	case "search_entities":
		var a searchEntitiesArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Query == "" {
			return nil, types.NewError(types.ErrInvalidArgument, "query is required")
		}
		return h.graph.SearchEntities(ctx, a.Query, a.EntityTypes, a.Limit)

	case "add_observations":
		var a addObservationsArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := h.graph.AddObservations(ctx, a.EntityName, a.Observations); err != nil {
			return nil, err
		}
		return map[string]string{"entity": a.EntityName}, nil

	case "create_relations":
		var a createRelationsArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := h.graph.CreateRelations(ctx, a.Relations); err != nil {
			return nil, err
		}
		return map[string]int{"created": len(a.Relations)}, nil

	case "read_graph":
		return h.graph.ReadGraph(ctx)

	case "send_ai_message":
		var a sendMessageArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.hub.Send(ctx, &types.AgentMessage{
			From:     orDefault(a.From, "external"),
			To:       a.To,
			Type:     a.Type,
			Priority: types.Priority(a.Priority),
			Payload:  a.Message,
		})

	case "get_ai_messages":
		var a getMessagesArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		msgs, err := h.hub.GetMessages(ctx, a.AgentID, a.SinceID, a.UnreadOnly)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs, "count": len(msgs)}, nil

	case "broadcast_message":
		var a broadcastArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.hub.Send(ctx, &types.AgentMessage{
			From:    orDefault(a.From, "external"),
			To:      types.BroadcastRecipient,
			Type:    a.Type,
			Payload: a.Message,
		})

	case "get_message_stats":
		return h.hub.Stats(ctx)

	case "execute_ai_request":
		var a aiRequestArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.router.Execute(ctx, toRouterRequest(a.Request), a.PreferredProvider)

	case "get_provider_status":
		return map[string]any{"providers": h.router.Status()}, nil

	case "start_autonomous_mode":
		var a startAutonomousArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		for event, action := range a.Triggers {
			if _, err := h.scheduler.SetTrigger(ctx, a.AgentID, event, action); err != nil {
				return nil, err
			}
		}
		if a.Config.TokenBudget > 0 {
			if _, err := h.scheduler.SetTokenBudget(ctx, a.AgentID, a.Config.TokenBudget); err != nil {
				return nil, err
			}
		}
		return h.scheduler.StartAutonomous(ctx, a.AgentID)

	case "set_token_budget":
		var a setTokenBudgetArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.scheduler.SetTokenBudget(ctx, a.AgentID, a.TokensPerDay)

	case "trigger_agent_action":
		var a triggerActionArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.scheduler.Trigger(ctx, a.AgentID, a.Event)

	case "create_proposal":
		var a createProposalArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.consensus.CreateProposal(ctx, a.Description, a.Options, a.Quorum,
			time.Duration(a.WindowSeconds)*time.Second)

	case "submit_consensus_vote":
		var a castVoteArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.consensus.CastVote(ctx, a.ProposalID, a.VoterAgentID, a.Value)

	case "get_consensus_status":
		var a proposalStatusArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return h.consensus.GetProposal(ctx, a.ProposalID)

	default:
		return nil, types.NewError(types.ErrInvalidArgument, "unknown tool").
			WithKey("tool", name)
	}
}

// streamAIResponse 以 SSE 推送流式补全，调用方断开时取消上游。
func (h *Handler) streamAIResponse(w http.ResponseWriter, r *http.Request, args json.RawMessage) {
	var a aiRequestArgs
	if err := decodeArgs(args, &a); err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, types.NewError(types.ErrInternalError, "streaming unsupported by connection"))
		return
	}

	ch, provider, err := h.router.Stream(r.Context(), toRouterRequest(a.Request), a.PreferredProvider)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Provider", provider)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := func(v any) string {
		data, _ := json.Marshal(v)
		return string(data)
	}
	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "data: %s\n\n", enc(map[string]string{"error": chunk.Err.Error()}))
			flusher.Flush()
			return
		}
		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", enc(map[string]string{"content": chunk.Content}))
		flusher.Flush()
	}
}

// handleHealth 返回各后端健康标志与聚合计数。
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backends := h.adapter.Health(ctx)

	healthy := true
	for _, b := range backends {
		// 主存储不健康才算整体不健康，辅助后端只降级
		if b.Primary && !b.Healthy {
			healthy = false
		}
	}

	snapshot, err := h.graph.ReadGraph(ctx)
	counts := map[string]int{}
	if err == nil {
		counts["entities"] = len(snapshot.Entities)
		counts["relations"] = len(snapshot.Relations)
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":  healthy,
		"backends": backends,
		"counts":   counts,
	})
}

// ===== 响应辅助 =====

func (h *Handler) writeData(w http.ResponseWriter, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.writeError(w, types.NewError(types.ErrInternalError, "failed to encode response").WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: payload})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrInternalError
	}

	info := &ErrorInfo{Code: string(code), Message: err.Error()}
	var typed *types.Error
	if errors.As(err, &typed) {
		info.Message = typed.Message
		info.Keys = typed.Keys
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: info})
}

// httpStatus 错误码到 HTTP 状态码的映射。
func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidArgument:
		return http.StatusBadRequest
	case types.ErrNotFound, types.ErrDanglingReference:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrProposalClosed:
		return http.StatusConflict
	case types.ErrBudgetExceeded:
		return http.StatusTooManyRequests
	case types.ErrBackendUnavailable, types.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return types.NewError(types.ErrInvalidArgument, "malformed tool arguments").WithCause(err)
	}
	return nil
}

func toRouterRequest(r aiRequest) airouter.Request {
	return airouter.Request{
		Model:       r.Model,
		Prompt:      r.Prompt,
		System:      r.System,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
