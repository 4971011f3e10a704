package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fleet-agent-backend/service/fleetdb"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel 按调用序号返回脚本化的回复
type fakeModel struct {
	respond func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error)
	n       int
}

func (m *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	choice, err := m.respond(m.n, msgs)
	m.n++
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return "", errors.New("not implemented")
}

type fakeBinding struct {
	verifyResult bool
	closed       atomic.Int32
}

func (b *fakeBinding) Verify(ctx context.Context) bool {
	return b.verifyResult
}

func (b *fakeBinding) Close(ctx context.Context) {
	b.closed.Add(1)
}

func toolCallChoice(id string, name ToolName, arguments string) *llms.ContentChoice {
	return &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      string(name),
				Arguments: arguments,
			},
		}},
	}
}

func textChoice(content string) *llms.ContentChoice {
	return &llms.ContentChoice{Content: content}
}

// lastToolResult 取消息序列中最后一条工具结果的内容
func lastToolResult(msgs []llms.MessageContent) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		for _, part := range msgs[i].Parts {
			if resp, ok := part.(llms.ToolCallResponse); ok {
				return resp.Content
			}
		}
	}
	return ""
}

type recordingHandler struct {
	toolCalls   []string
	toolResults []string
	finalAnswer string
}

func (h *recordingHandler) HandleToolCall(name ToolName, arguments string) {
	h.toolCalls = append(h.toolCalls, string(name))
}

func (h *recordingHandler) HandleToolResult(name ToolName, result string) {
	h.toolResults = append(h.toolResults, result)
}

func (h *recordingHandler) HandleFinalAnswer(answer string) {
	h.finalAnswer = answer
}

func newTestAgent(llm llms.Model, store *fakeStore, maxIterations int) *Agent {
	return New(Config{
		LLM:           llm,
		Tools:         NewTools(store, 100, time.Second),
		Session:       &fakeBinding{verifyResult: true},
		RowLimit:      100,
		TimeLimitSec:  10,
		MaxIterations: maxIterations,
	})
}

// scriptedRespond 走完整的一轮编排：挑表、生成查询、复查、
// 然后基于工具结果组织最终答案
func scriptedRespond(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
	switch n {
	case 0:
		return toolCallChoice("call-schema", ToolGetSchema, `{"table_names":["trips"]}`), nil
	case 1:
		return toolCallChoice("call-draft", ToolRunQuery, `{"query":"SELECT count(*) FROM trips"}`), nil
	case 2:
		return toolCallChoice("call-verified", ToolRunQuery, `{"query":"SELECT count(*) FROM trips LIMIT 100"}`), nil
	default:
		return textChoice("Result: " + lastToolResult(msgs)), nil
	}
}

func TestAgentRunAnswersFromQueryResult(t *testing.T) {
	store := &fakeStore{
		tables: []string{"trips"},
		schemas: map[string][]fleetdb.ColumnInfo{
			"trips": {{Name: "trip_id", DataType: "text"}},
		},
		result: &fleetdb.RowSet{
			Columns: []string{"count"},
			Rows:    [][]string{{"3"}},
		},
	}
	handler := &recordingHandler{}
	ag := newTestAgent(&fakeModel{respond: scriptedRespond}, store, 5)

	result, err := ag.Run(context.Background(), nil, "How many trips were taken?", handler)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(result.Answer, "3") {
		t.Fatalf("answer = %q, want it to carry the query result", result.Answer)
	}
	if handler.finalAnswer != result.Answer {
		t.Fatalf("handler answer = %q, result answer = %q", handler.finalAnswer, result.Answer)
	}

	wantCalls := []string{"list_tables", "get_schema", "run_query"}
	if len(handler.toolCalls) != len(wantCalls) {
		t.Fatalf("tool calls = %v, want %v", handler.toolCalls, wantCalls)
	}
	for i, name := range wantCalls {
		if handler.toolCalls[i] != name {
			t.Fatalf("tool call %d = %q, want %q", i, handler.toolCalls[i], name)
		}
	}

	// 复查后的查询才会下发数据库
	if len(store.queries) != 1 || !strings.Contains(store.queries[0], "LIMIT 100") {
		t.Fatalf("executed queries = %v, want the verified query only", store.queries)
	}

	if len(result.ToolCalls) != 3 || !strings.Contains(result.ToolCalls[2].Result, "3") {
		t.Fatalf("tool call records = %+v", result.ToolCalls)
	}
}

func TestAgentRunEmptyResultStaysEmpty(t *testing.T) {
	store := &fakeStore{
		tables: []string{"trips"},
		schemas: map[string][]fleetdb.ColumnInfo{
			"trips": {{Name: "trip_id", DataType: "text"}},
		},
		result: &fleetdb.RowSet{Columns: []string{"count"}},
	}
	ag := newTestAgent(&fakeModel{respond: scriptedRespond}, store, 5)

	result, err := ag.Run(context.Background(), nil, "How many trips were taken?", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(result.Answer, "no data available") {
		t.Fatalf("answer = %q, want the empty result sentinel", result.Answer)
	}
	if strings.Contains(result.Answer, "3") {
		t.Fatalf("answer = %q carries data the store never returned", result.Answer)
	}
}

// 复查重写查询后，工具调用与结果仍然通过草稿的关联 ID 成对
func TestAgentVerifiedCallKeepsDraftID(t *testing.T) {
	var gotCallID, gotResultID string
	respond := func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
		if n == 3 {
			for _, msg := range msgs {
				for _, part := range msg.Parts {
					switch p := part.(type) {
					case llms.ToolCall:
						if p.FunctionCall.Name == string(ToolRunQuery) {
							gotCallID = p.ID
						}
					case llms.ToolCallResponse:
						if p.Name == string(ToolRunQuery) {
							gotResultID = p.ToolCallID
						}
					}
				}
			}
		}
		return scriptedRespond(n, msgs)
	}

	store := &fakeStore{
		tables: []string{"trips"},
		schemas: map[string][]fleetdb.ColumnInfo{
			"trips": {{Name: "trip_id", DataType: "text"}},
		},
		result: &fleetdb.RowSet{Columns: []string{"count"}, Rows: [][]string{{"3"}}},
	}
	ag := newTestAgent(&fakeModel{respond: respond}, store, 5)

	if _, err := ag.Run(context.Background(), nil, "How many trips?", nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if gotCallID != "call-draft" || gotResultID != "call-draft" {
		t.Fatalf("call id = %q, result id = %q, want both to keep the draft id", gotCallID, gotResultID)
	}
}

func TestAgentRunIterationLimit(t *testing.T) {
	respond := func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
		if n == 0 {
			return toolCallChoice("call-schema", ToolGetSchema, `{"table_names":["trips"]}`), nil
		}
		// 模型永远不收敛，每轮都要求再查一次
		return toolCallChoice("call-loop", ToolRunQuery, `{"query":"SELECT 1"}`), nil
	}

	store := &fakeStore{
		tables: []string{"trips"},
		schemas: map[string][]fleetdb.ColumnInfo{
			"trips": {{Name: "trip_id", DataType: "text"}},
		},
	}
	ag := newTestAgent(&fakeModel{respond: respond}, store, 2)

	_, err := ag.Run(context.Background(), nil, "How many trips?", nil)
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", err)
	}
}

// 参数损坏的工具调用跳过复查和执行直接回流，循环防线必须同样生效
func TestAgentRunIterationLimitMalformedArguments(t *testing.T) {
	var modelCalls int
	respond := func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
		modelCalls++
		if n == 0 {
			return toolCallChoice("call-schema", ToolGetSchema, `{"table_names":["trips"]}`), nil
		}
		return toolCallChoice("call-broken", ToolRunQuery, `{"query":`), nil
	}

	store := &fakeStore{
		tables: []string{"trips"},
		schemas: map[string][]fleetdb.ColumnInfo{
			"trips": {{Name: "trip_id", DataType: "text"}},
		},
	}
	ag := newTestAgent(&fakeModel{respond: respond}, store, 2)

	_, err := ag.Run(context.Background(), nil, "How many trips?", nil)
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", err)
	}
	if len(store.queries) != 0 {
		t.Fatalf("malformed calls reached the store: %v", store.queries)
	}
	if modelCalls > 2*2+1 {
		t.Fatalf("model called %d times, limit of 2 rounds not enforced", modelCalls)
	}
}

func TestAgentRunRequiresSchemaToolCall(t *testing.T) {
	respond := func(n int, msgs []llms.MessageContent) (*llms.ContentChoice, error) {
		return textChoice("I would rather not pick tables."), nil
	}

	ag := newTestAgent(&fakeModel{respond: respond}, &fakeStore{tables: []string{"trips"}}, 5)

	_, err := ag.Run(context.Background(), nil, "How many trips?", nil)
	if !errors.Is(err, ErrNoToolCall) {
		t.Fatalf("expected ErrNoToolCall, got %v", err)
	}
}

func TestAgentRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ag := newTestAgent(&fakeModel{respond: scriptedRespond}, &fakeStore{tables: []string{"trips"}}, 5)

	_, err := ag.Run(ctx, nil, "How many trips?", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
