package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

// 强制模型必须输出工具调用时使用的 tool_choice 取值
const toolChoiceForced = "required"

// EventHandler 接收运行过程中的工具事件，用于向前端流式推送进度
type EventHandler interface {
	HandleToolCall(name ToolName, arguments string)
	HandleToolResult(name ToolName, result string)
	HandleFinalAnswer(answer string)
}

// ToolCallRecord 单次工具调用的记录，随答案一并返回给调用方
type ToolCallRecord struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

type RunResult struct {
	Answer    string
	ToolCalls []ToolCallRecord
}

// ChatTurn 调用方提供的一条历史对话
type ChatTurn struct {
	Role    string
	Content string
}

// TenantBinding Agent 持有的租户会话，缓存层据此校验与回收
type TenantBinding interface {
	Verify(ctx context.Context) bool
	Close(ctx context.Context)
}

// Agent 一个装配完成的查询编排器：模型、工具与绑定的租户会话。
// 同一实例可被同会话的多次请求复用。底层的租户连接一次只能
// 执行一条语句，所有触碰连接的入口（运行、校验、关闭）都必须
// 持有 runMu
type Agent struct {
	llm           llms.Model
	tools         *Tools
	session       TenantBinding
	rowLimit      int
	timeLimitSec  int
	maxIterations int

	runMu sync.Mutex
}

type Config struct {
	LLM           llms.Model
	Tools         *Tools
	Session       TenantBinding
	RowLimit      int
	TimeLimitSec  int
	MaxIterations int
}

func New(cfg Config) *Agent {
	return &Agent{
		llm:           cfg.LLM,
		tools:         cfg.Tools,
		session:       cfg.Session,
		rowLimit:      cfg.RowLimit,
		timeLimitSec:  cfg.TimeLimitSec,
		maxIterations: cfg.MaxIterations,
	}
}

// VerifySession 校验租户会话状态。等待进行中的运行结束后才触碰
// 连接，避免在忙碌的连接上误判会话失效
func (a *Agent) VerifySession(ctx context.Context) bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.session.Verify(ctx)
}

// CloseSession 关闭租户连接。进行中的运行先完成，连接不会在
// 运行中途被关闭
func (a *Agent) CloseSession(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.session.Close(ctx)
}

// Run 在携带的历史对话之上回答一个新问题，运行状态机直至终态。
// 历史与运行中产生的消息只存活在本次运行的 AgentState 里
func (a *Agent) Run(ctx context.Context, history []ChatTurn, question string, handler EventHandler) (RunResult, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	messages := historyMessages(history)
	messages = append(messages, textMessage(llms.ChatMessageTypeHuman, question))

	st := AgentState{
		State:    StateListTables,
		Messages: messages,
	}

	var records []ToolCallRecord

	for st.State != StateDone {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		var err error
		switch st.State {
		case StateListTables:
			st, err = a.stepListTables(ctx, st, handler, &records)
		case StateSelectSchema:
			st, err = a.stepSelectSchema(ctx, st)
		case StateFetchSchema:
			st, err = a.stepFetchSchema(ctx, st, handler, &records)
		case StateGenerateQuery:
			st, err = a.stepGenerateQuery(ctx, st)
		case StateVerifyQuery:
			st, err = a.stepVerifyQuery(ctx, st)
		case StateRunQuery:
			st, err = a.stepRunQuery(ctx, st, handler, &records)
		default:
			err = fmt.Errorf("invalid agent state: %v", st.State)
		}
		if err != nil {
			return RunResult{}, err
		}
	}

	if handler != nil {
		handler.HandleFinalAnswer(st.FinalAnswer)
	}
	return RunResult{
		Answer:    st.FinalAnswer,
		ToolCalls: records,
	}, nil
}

// stepListTables 不经过模型，直接构造 list_tables 工具调用并执行
func (a *Agent) stepListTables(ctx context.Context, st AgentState, handler EventHandler, records *[]ToolCallRecord) (AgentState, error) {
	call := llms.ToolCall{
		ID:   uuid.New().String(),
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      string(ToolListTables),
			Arguments: "{}",
		},
	}

	// 表都列不出来说明连接已不可用，直接终止本次运行
	result, err := a.tools.ListTables(ctx)
	if err != nil {
		return st, fmt.Errorf("tool %s failed: %w", ToolListTables, err)
	}

	emitTool(handler, records, ToolListTables, "", result)
	st.Messages = append(st.Messages, toolCallMessage("", call), toolResultMessage(call, result))
	st.State = StateSelectSchema
	return st, nil
}

func (a *Agent) stepSelectSchema(ctx context.Context, st AgentState) (AgentState, error) {
	msgs := append([]llms.MessageContent{textMessage(llms.ChatMessageTypeSystem, getSchemaPrompt())}, st.Messages...)
	choice, err := a.callModel(ctx, msgs, []llms.Tool{getSchemaToolDef()}, true)
	if err != nil {
		return st, err
	}

	call, ok := firstToolCall(choice)
	if !ok {
		return st, fmt.Errorf("%w: expected %s call", ErrNoToolCall, ToolGetSchema)
	}

	st.Messages = append(st.Messages, toolCallMessage(choice.Content, call))
	st.PendingCall = call
	st.State = StateFetchSchema
	return st, nil
}

func (a *Agent) stepFetchSchema(ctx context.Context, st AgentState, handler EventHandler, records *[]ToolCallRecord) (AgentState, error) {
	call := st.PendingCall

	var result string
	names, err := parseGetSchemaArgs(call.FunctionCall.Arguments)
	if err != nil {
		result = err.Error()
	} else {
		result, err = a.tools.GetSchema(ctx, names)
		if err != nil {
			// 错误作为工具结果回流，让模型自行调整
			result = err.Error()
		}
	}

	emitTool(handler, records, ToolGetSchema, call.FunctionCall.Arguments, result)
	st.Messages = append(st.Messages, toolResultMessage(call, result))
	st.State = StateGenerateQuery
	return st, nil
}

func (a *Agent) stepGenerateQuery(ctx context.Context, st AgentState) (AgentState, error) {
	if st.GenerateRounds >= a.maxIterations {
		return st, ErrIterationLimit
	}
	st.GenerateRounds++

	msgs := append([]llms.MessageContent{
		textMessage(llms.ChatMessageTypeSystem, generateQueryPrompt(a.rowLimit, a.timeLimitSec)),
	}, st.Messages...)
	choice, err := a.callModel(ctx, msgs, []llms.Tool{runQueryToolDef()}, false)
	if err != nil {
		return st, err
	}

	call, ok := firstToolCall(choice)
	if !ok {
		// 没有工具调用即视为最终自然语言答案
		st.FinalAnswer = choice.Content
		st.State = StateDone
		return st, nil
	}

	st.Messages = append(st.Messages, toolCallMessage(choice.Content, call))
	st.PendingCall = call
	st.State = StateVerifyQuery
	return st, nil
}

// stepVerifyQuery 让模型复查草稿。重写后的调用沿用草稿的关联 ID，
// 使草稿、复查结果与最终工具结果共享同一关联链
func (a *Agent) stepVerifyQuery(ctx context.Context, st AgentState) (AgentState, error) {
	draft := st.PendingCall

	sql, err := parseRunQueryArgs(draft.FunctionCall.Arguments)
	if err != nil {
		// 参数都解析不了，复查无从谈起，把错误回流给生成状态
		st.Messages = append(st.Messages, toolResultMessage(draft, err.Error()))
		st.State = StateGenerateQuery
		return st, nil
	}

	msgs := []llms.MessageContent{
		textMessage(llms.ChatMessageTypeSystem, checkQueryPrompt()),
		textMessage(llms.ChatMessageTypeHuman, sql),
	}
	choice, err := a.callModel(ctx, msgs, []llms.Tool{runQueryToolDef()}, true)
	if err != nil {
		return st, err
	}

	verified, ok := firstToolCall(choice)
	if !ok {
		return st, fmt.Errorf("%w: expected %s call", ErrNoToolCall, ToolRunQuery)
	}
	verified.ID = draft.ID

	// 用复查后的调用替换草稿消息，保持 tool_call 与 tool_result 成对
	st.Messages[len(st.Messages)-1] = toolCallMessage("", verified)
	st.PendingCall = verified
	st.State = StateRunQuery
	return st, nil
}

func (a *Agent) stepRunQuery(ctx context.Context, st AgentState, handler EventHandler, records *[]ToolCallRecord) (AgentState, error) {
	call := st.PendingCall

	var result string
	sql, err := parseRunQueryArgs(call.FunctionCall.Arguments)
	if err != nil {
		result = err.Error()
	} else {
		result, err = a.tools.RunQuery(ctx, sql)
		if err != nil {
			// 不安全查询与执行失败都以文本形式回流
			result = err.Error()
		}
	}

	emitTool(handler, records, ToolRunQuery, call.FunctionCall.Arguments, result)
	st.Messages = append(st.Messages, toolResultMessage(call, result))
	st.State = StateGenerateQuery
	return st, nil
}

func (a *Agent) callModel(ctx context.Context, msgs []llms.MessageContent, tools []llms.Tool, forced bool) (*llms.ContentChoice, error) {
	opts := []llms.CallOption{llms.WithTools(tools)}
	if forced {
		opts = append(opts, llms.WithToolChoice(toolChoiceForced))
	}

	resp, err := a.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return resp.Choices[0], nil
}

func emitTool(handler EventHandler, records *[]ToolCallRecord, name ToolName, arguments, result string) {
	*records = append(*records, ToolCallRecord{
		Name:      string(name),
		Arguments: arguments,
		Result:    result,
	})
	if handler != nil {
		handler.HandleToolCall(name, arguments)
		handler.HandleToolResult(name, result)
	}
}

func historyMessages(history []ChatTurn) []llms.MessageContent {
	var messages []llms.MessageContent
	for _, turn := range history {
		var role llms.ChatMessageType
		switch turn.Role {
		case "user", "human":
			role = llms.ChatMessageTypeHuman
		case "assistant", "ai":
			role = llms.ChatMessageTypeAI
		case "system":
			role = llms.ChatMessageTypeSystem
		default:
			slog.Warn("Skipping history message with unknown role", "role", turn.Role)
			continue
		}
		messages = append(messages, textMessage(role, turn.Content))
	}
	return messages
}

// MarshalToolCalls 序列化工具调用记录，便于持久化到消息表
func MarshalToolCalls(records []ToolCallRecord) json.RawMessage {
	if len(records) == 0 {
		return nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		slog.Error("Failed to marshal tool call records", "err", err)
		return nil
	}
	return data
}
