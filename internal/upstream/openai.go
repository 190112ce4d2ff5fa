package upstream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient 把OpenAI兼容接口适配成协议事件源，
// 用于上游推理服务直接暴露chat-completions的部署形态。
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(cfg config.UpstreamConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}
}

func (c *OpenAIClient) OpenStream(ctx context.Context, req *model.UpstreamRequest) (EventSource, error) {
	s, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertHistory(req),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	return &openaiSource{stream: s, start: time.Now()}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req *model.UpstreamRequest) (*model.Event, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertHistory(req),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from upstream")
	}

	return &model.Event{
		Type:      model.EventDone,
		SessionID: resp.ID,
		FullText:  resp.Choices[0].Message.Content,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// openaiSource 把chat-completion流的增量块翻译成协议事件
type openaiSource struct {
	stream  *openai.ChatCompletionStream
	start   time.Time
	buf     strings.Builder
	pending []*model.Event
	sentID  bool
	done    bool
}

func (s *openaiSource) Recv() (*model.Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.done {
		return nil, io.EOF
	}

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if err == io.EOF {
				// OpenAI流没有独立的完成帧，结束时合成Done事件
				s.done = true
				return &model.Event{
					Type:      model.EventDone,
					FullText:  s.buf.String(),
					LatencyMs: time.Since(s.start).Milliseconds(),
				}, nil
			}
			return nil, err
		}

		// 第一个块携带的ID作为会话标识先行下发
		if !s.sentID && resp.ID != "" {
			s.sentID = true
			sessionEv := &model.Event{Type: model.EventSessionAssigned, SessionID: resp.ID}
			if delta := chunkContent(resp); delta != "" {
				s.buf.WriteString(delta)
				s.pending = append(s.pending, &model.Event{Type: model.EventDelta, Text: delta})
			}
			return sessionEv, nil
		}

		if delta := chunkContent(resp); delta != "" {
			s.buf.WriteString(delta)
			return &model.Event{Type: model.EventDelta, Text: delta}, nil
		}
	}
}

func (s *openaiSource) Close() error {
	return s.stream.Close()
}

func chunkContent(resp openai.ChatCompletionStreamResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Delta.Content
}

// convertHistory 把历史轮次加上当前消息转换成chat-completion消息列表
func convertHistory(req *model.UpstreamRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		case "system":
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
	return messages
}
