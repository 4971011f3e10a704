package agent

import (
	"github.com/tmc/langchaingo/llms"
)

// State 查询编排状态机的状态标签
type State int

const (
	// StateListTables 运行起点，枚举当前角色可见的表
	StateListTables State = iota

	// StateSelectSchema 模型挑选需要查看结构的表（强制工具调用）
	StateSelectSchema

	// StateFetchSchema 执行 get_schema 工具
	StateFetchSchema

	// StateGenerateQuery 模型生成 SQL 草稿，或直接给出最终自然语言答案
	StateGenerateQuery

	// StateVerifyQuery 模型复查并重写 SQL 草稿（强制工具调用）
	StateVerifyQuery

	// StateRunQuery 执行通过复查的查询，结果回流到 StateGenerateQuery
	StateRunQuery

	// StateDone 模型输出不含工具调用，运行结束
	StateDone
)

func (s State) String() string {
	switch s {
	case StateListTables:
		return "list_tables"
	case StateSelectSchema:
		return "select_schema"
	case StateFetchSchema:
		return "fetch_schema"
	case StateGenerateQuery:
		return "generate_query"
	case StateVerifyQuery:
		return "verify_query"
	case StateRunQuery:
		return "run_query"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// AgentState 一次运行的完整状态：状态标签加消息序列。
// 值由单次运行独占，各状态转移函数读入旧值、返回新值，
// 状态表可以在没有模型与数据库的情况下直接测试
type AgentState struct {
	State    State
	Messages []llms.MessageContent

	// 等待执行的工具调用（get_schema 或 run_query）
	PendingCall llms.ToolCall

	// 进入查询生成状态的次数。复查与执行阶段的失败也会回流到
	// 生成状态，所以迭代上限按生成轮数计数才是完整的循环防线
	GenerateRounds int

	FinalAnswer string
}

func textMessage(role llms.ChatMessageType, text string) llms.MessageContent {
	return llms.MessageContent{
		Role:  role,
		Parts: []llms.ContentPart{llms.TextContent{Text: text}},
	}
}

func toolCallMessage(content string, call llms.ToolCall) llms.MessageContent {
	parts := []llms.ContentPart{}
	if content != "" {
		parts = append(parts, llms.TextContent{Text: content})
	}
	parts = append(parts, call)
	return llms.MessageContent{
		Role:  llms.ChatMessageTypeAI,
		Parts: parts,
	}
}

func toolResultMessage(call llms.ToolCall, result string) llms.MessageContent {
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{
			llms.ToolCallResponse{
				ToolCallID: call.ID,
				Name:       call.FunctionCall.Name,
				Content:    result,
			},
		},
	}
}

// firstToolCall 返回模型回复中的首个工具调用
func firstToolCall(choice *llms.ContentChoice) (llms.ToolCall, bool) {
	for _, call := range choice.ToolCalls {
		if call.FunctionCall != nil {
			return call, true
		}
	}
	return llms.ToolCall{}, false
}
