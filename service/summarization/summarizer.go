package summarization

import (
	"bytes"
	"context"
	_ "embed"
	"fleet-agent-backend/config"
	"fleet-agent-backend/dao"
	"fleet-agent-backend/utils"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const taskChanSize = 100

//go:embed prompts/summarization.txt
var summaryPromptText string

var summaryPromptTmpl = template.Must(template.New("summarization").Parse(summaryPromptText))

type SummaryTask struct {
	MessageIDs []uint
}

// SummarizerInstance Summarizer单例实例，需在配置加载后通过 Init 创建
var SummarizerInstance *Summarizer

func Init(ctx context.Context) error {
	s, err := NewSummarizer()
	if err != nil {
		return err
	}
	s.Run(ctx)
	SummarizerInstance = s
	return nil
}

// Summarizer 负责为过长的对话消息生成摘要，前端重载会话时优先使用摘要
type Summarizer struct {
	llm              llms.Model
	taskChan         chan SummaryTask
	workerNum        int
	minContentLength int
}

func NewSummarizer() (*Summarizer, error) {
	httpClient := utils.DefaultHTTPClient()
	llm, err := openai.New(
		openai.WithModel(config.Cfg.Model.DefaultModel),
		openai.WithToken(config.Cfg.Model.APIKey),
		openai.WithBaseURL(config.Cfg.Model.BaseURL),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	return &Summarizer{
		llm:              llm,
		taskChan:         make(chan SummaryTask, taskChanSize),
		workerNum:        config.Cfg.Agent.SummaryWorkerNum,
		minContentLength: config.Cfg.Agent.SummaryMinContentLen,
	}, nil
}

func (s *Summarizer) Run(ctx context.Context) {
	for i := 1; i <= s.workerNum; i++ {
		go s.worker(ctx, i)
	}
}

func (s *Summarizer) RegisterSummaryTask(task SummaryTask) {
	select {
	case s.taskChan <- task:
	default:
		// 队列满时丢弃，摘要属于尽力而为
		slog.Warn("Summary task queue full, dropping task")
	}
}

func (s *Summarizer) worker(ctx context.Context, id int) {
	slog.Info("Starting summary worker", "worker_id", id)
	defer slog.Info("Summary worker exit", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.taskChan:
			s.processTask(ctx, task)
		}
	}
}

func (s *Summarizer) processTask(ctx context.Context, task SummaryTask) {
	for _, msgID := range task.MessageIDs {
		msg, err := dao.GetMessageByID(msgID)
		if err != nil {
			slog.Error("Failed to get message",
				"msg_id", msgID,
				"err", err,
			)
			continue
		}

		if len(msg.Content) < s.minContentLength || msg.Summary != "" {
			continue
		}

		summary, err := s.summarizeMessage(ctx, msg.Role, msg.Content)
		if err != nil {
			slog.Error("Failed to summarize message",
				"msg_id", msgID,
				"err", err,
			)
			continue
		}

		if err := dao.UpdateMessageSummary(msg.ID, summary); err != nil {
			slog.Error("Failed to save message summary",
				"msg_id", msgID,
				"err", err,
			)
		}
	}
}

func (s *Summarizer) summarizeMessage(ctx context.Context, role, content string) (string, error) {
	var buf bytes.Buffer
	err := summaryPromptTmpl.Execute(&buf, map[string]string{
		"Role":    role,
		"Content": content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render summary prompt: %v", err)
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, s.llm, buf.String())
	if err != nil {
		return "", err
	}
	return resp, nil
}
