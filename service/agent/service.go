package agent

import (
	"context"
	"fleet-agent-backend/config"
	"fleet-agent-backend/service/fleetdb"
	"fleet-agent-backend/utils"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// 配置 300s 超时时间处理模型长响应
	agentHTTPClient *http.Client = utils.NewHTTPClient(
		utils.WithTimeout(300 * time.Second),
	)
)

// Service 对外入口：持有 Agent 会话缓存，按请求装配或复用编排器
type Service struct {
	cache *Cache
}

func NewService() *Service {
	return &Service{
		cache: NewCache(buildAgent),
	}
}

// RunInput 一次提问的完整输入。历史对话由调用方每轮完整提供
type RunInput struct {
	FleetID  string
	Role     string
	Model    string
	History  []ChatTurn
	Question string
	Handler  EventHandler
}

// Run 执行一次查询编排。整体超时由模型档位决定，超时错误原样
// 上抛，由 HTTP 层转为超时错误事件
func (s *Service) Run(ctx context.Context, in RunInput) (RunResult, error) {
	model := in.Model
	if model == "" {
		model = config.Cfg.Model.DefaultModel
	}

	// 超时档位表同时充当模型白名单
	if _, ok := config.Cfg.Model.Timeouts[model]; !ok && model != config.Cfg.Model.DefaultModel {
		return RunResult{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}

	ctx, cancel := context.WithTimeout(ctx, config.Cfg.ModelTimeout(model))
	defer cancel()

	ag, err := s.cache.Acquire(ctx, CacheKey{
		FleetID: in.FleetID,
		Role:    in.Role,
		Model:   model,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to acquire agent: %w", err)
	}

	return ag.Run(ctx, in.History, in.Question, in.Handler)
}

func (s *Service) Stats() []CacheKey {
	return s.cache.Stats()
}

func (s *Service) Shutdown(ctx context.Context) {
	s.cache.Shutdown(ctx)
}

// buildAgent 装配新的编排器：独立连接、绑定租户会话、工具与模型客户端。
// 绑定失败的连接直接关闭，不会进入缓存
func buildAgent(ctx context.Context, key CacheKey) (*Agent, error) {
	statementTimeout := time.Duration(config.Cfg.Agent.StatementTimeoutMS) * time.Millisecond

	conn, err := fleetdb.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to fleet database: %w", err)
	}

	session := fleetdb.NewTenantSession(conn, key.Role, key.FleetID, statementTimeout)
	if err := session.Bind(ctx); err != nil {
		session.Close(ctx)
		return nil, err
	}

	llm, err := openai.New(
		openai.WithModel(key.Model),
		openai.WithToken(config.Cfg.Model.APIKey),
		openai.WithBaseURL(config.Cfg.Model.BaseURL),
		openai.WithHTTPClient(agentHTTPClient),
	)
	if err != nil {
		session.Close(ctx)
		return nil, fmt.Errorf("failed to create llm client: %v", err)
	}

	return New(Config{
		LLM:           llm,
		Tools:         NewTools(session, config.Cfg.Agent.RowLimit, statementTimeout),
		Session:       session,
		RowLimit:      config.Cfg.Agent.RowLimit,
		TimeLimitSec:  int(statementTimeout / time.Second),
		MaxIterations: config.Cfg.Agent.MaxIterations,
	}), nil
}
