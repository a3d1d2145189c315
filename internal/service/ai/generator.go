package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/persona-relay/backend/internal/config"
	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	"github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
)

// ErrEmptyReply 模型没有返回文本
var ErrEmptyReply = errors.New("model returned an empty reply")

// Service 根据对话历史生成面试官回复
type Service struct {
	chatModel    model.BaseChatModel
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
	metrics      *metrics.Metrics
}

// NewService 使用配置的 Ark 模型创建生成服务
func NewService(ctx context.Context, cfg config.AIConfig, m *metrics.Metrics) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.HistoryLimit, m)
}

// NewServiceWithModel 将任意对话模型接入生成链
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, historyLimit int, m *metrics.Metrics) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", false),
		schema.MessagesPlaceholder("note", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel:    chatModel,
		chain:        runnable,
		historyLimit: historyLimit,
		metrics:      m,
	}, nil
}

// Generate 返回下一句面试官回复；note 非空时追加在历史之后
func (s *Service) Generate(ctx context.Context, history []conversation.Message, note string) (string, error) {
	started := time.Now()
	input := map[string]any{
		"history": s.buildHistoryMessages(history),
		"note":    buildNote(note),
	}

	response, err := s.chain.Invoke(ctx, input)
	if err == nil && strings.TrimSpace(response.Content) == "" {
		err = ErrEmptyReply
	}
	s.metrics.GenerationObserved(time.Since(started), err != nil)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := strings.TrimSpace(response.Content)
	log.Printf("[ai] generated reply, history=%d, length=%d", len(history), len(reply))
	return reply, nil
}

// buildHistoryMessages 将对话转换为模型消息，保留系统提示词与最近的若干轮
func (s *Service) buildHistoryMessages(messages []conversation.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	var system *conversation.Message
	turns := messages
	if messages[0].Role == conversation.RoleSystem {
		system = &messages[0]
		turns = messages[1:]
	}

	if s.historyLimit > 0 && len(turns) > s.historyLimit {
		turns = turns[len(turns)-s.historyLimit:]
	}

	history := make([]*schema.Message, 0, len(turns)+1)
	if system != nil {
		history = append(history, schema.SystemMessage(system.Content))
	}
	for _, msg := range turns {
		switch msg.Role {
		case conversation.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case conversation.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

func buildNote(note string) []*schema.Message {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return []*schema.Message{schema.UserMessage(note)}
}
