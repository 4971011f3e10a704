package controller

import (
	"context"
	"errors"
	"fleet-agent-backend/dao"
	"fleet-agent-backend/model"
	"fleet-agent-backend/request"
	"fleet-agent-backend/response"
	"fleet-agent-backend/service/agent"
	"fleet-agent-backend/service/summarization"
	"fleet-agent-backend/utils"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

var agentService *agent.Service

// Init 注入 Agent 服务，需在注册路由前调用
func Init(s *agent.Service) {
	agentService = s
}

// ginSSEHandler 把 Agent 的工具事件转成 SSE 推送给前端
type ginSSEHandler struct {
	c *gin.Context
}

func (h *ginSSEHandler) HandleToolCall(name agent.ToolName, arguments string) {
	utils.SendSSEMessage(h.c, utils.EventToolCall, model.ToolCallResult{
		Name:      string(name),
		Arguments: arguments,
	})
}

func (h *ginSSEHandler) HandleToolResult(name agent.ToolName, result string) {
	utils.SendSSEMessage(h.c, utils.EventToolCallResult, model.ToolCallResult{
		Name:   string(name),
		Result: result,
	})
}

func (h *ginSSEHandler) HandleFinalAnswer(answer string) {
	utils.SendSSEMessage(h.c, utils.EventFinalAnswer, answer)
}

func AgentChat(c *gin.Context) {
	utils.SetSSEHeaders(c)

	var req request.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Error(ErrParseRequest.Error(), "err", err)
		utils.SendSSEMessage(c, utils.EventError, ErrParseRequest.Error())
		utils.SendSSEMessage(c, utils.EventDone, "")
		return
	}

	email := c.GetString("email")
	fleetID := c.GetString("fleet_id")
	dbRole := c.GetString("db_role")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 监听客户端的取消信号
	go func() {
		<-c.Done()
		cancel()
	}()

	history := make([]agent.ChatTurn, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, agent.ChatTurn{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	result, err := agentService.Run(ctx, agent.RunInput{
		FleetID:  fleetID,
		Role:     dbRole,
		Model:    req.AgentConfig.Model,
		History:  history,
		Question: req.Query,
		Handler:  &ginSSEHandler{c: c},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Error(ErrAgentTimeout.Error(),
				"user_email", email,
				"fleet_id", fleetID,
			)
			utils.SendSSEMessage(c, utils.EventError, ErrAgentTimeout.Error())
		} else {
			slog.Error(ErrCallAgent.Error(),
				"user_email", email,
				"fleet_id", fleetID,
				"err", err,
			)
			utils.SendSSEMessage(c, utils.EventError, ErrCallAgent.Error())
		}
		utils.SendSSEMessage(c, utils.EventDone, "")
		return
	}

	utils.SendSSEMessage(c, utils.EventDone, "")

	saveChatMessages(req, result)
}

// saveChatMessages 持久化本轮问答并注册摘要任务。持久化失败只记录
// 日志，答案此时已推送给前端
func saveChatMessages(req request.ChatRequest, result agent.RunResult) {
	userMsg := &model.Message{
		SessionID: req.SessionID,
		Role:      "user",
		Content:   req.Query,
	}
	if err := dao.CreateMessage(userMsg); err != nil {
		slog.Error("Failed to save user message",
			"session_id", req.SessionID,
			"err", err,
		)
		return
	}

	agentMsg := &model.Message{
		SessionID:       req.SessionID,
		Role:            "assistant",
		Content:         result.Answer,
		ToolCallResults: agent.MarshalToolCalls(result.ToolCalls),
	}
	if err := dao.CreateMessage(agentMsg); err != nil {
		slog.Error("Failed to save agent message",
			"session_id", req.SessionID,
			"err", err,
		)
		return
	}

	summarization.SummarizerInstance.RegisterSummaryTask(summarization.SummaryTask{
		MessageIDs: []uint{userMsg.ID, agentMsg.ID},
	})
}

// GetAgentStats 返回当前缓存的 Agent 会话列表，用于排查租户切换问题
func GetAgentStats(c *gin.Context) {
	keys := agentService.Stats()

	resp := response.AgentStatsResponse{
		Entries: make([]response.AgentCacheEntry, 0, len(keys)),
		Size:    len(keys),
	}
	for _, k := range keys {
		resp.Entries = append(resp.Entries, response.AgentCacheEntry{
			FleetID: k.FleetID,
			Role:    k.Role,
			Model:   k.Model,
		})
	}

	c.JSON(http.StatusOK, response.Response{
		Data: resp,
	})
}
