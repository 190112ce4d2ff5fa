package upstream

import (
	"context"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"
	"pelican-relay/internal/transport"
)

// EventSource 一次推理交换的事件来源，流结束时Recv返回io.EOF
type EventSource interface {
	Recv() (*model.Event, error)
	Close() error
}

// Client 上游推理端点的抽象，中继编排器只面向这个接口
type Client interface {
	// OpenStream 发起流式推理调用，事件按到达顺序从EventSource产出
	OpenStream(ctx context.Context, req *model.UpstreamRequest) (EventSource, error)
	// Complete 非流式调用，一次性返回终止事件（协调器的重试路径使用）
	Complete(ctx context.Context, req *model.UpstreamRequest) (*model.Event, error)
}

// New 按配置选择上游协议实现
func New(cfg *config.Config) Client {
	if cfg.Upstream.Protocol == "openai" {
		return NewOpenAIClient(cfg.Upstream)
	}

	t := transport.NewClient(transport.Options{
		Timeout:     cfg.Relay.AttemptTimeout,
		MaxRetries:  cfg.Relay.MaxRetries,
		BackoffBase: cfg.Relay.BackoffBase,
		BackoffCap:  cfg.Relay.BackoffCap,
		// 429交给协调器排队重放，transport不原地重试
		Retry429: false,
	})
	return NewNativeClient(cfg.Upstream, t)
}

// NewSingleAttempt 构造不在transport层重试的上游客户端，
// 供协调器的非流式路径使用，重试节奏由协调器自己掌握、对调用方可见
func NewSingleAttempt(cfg *config.Config) Client {
	if cfg.Upstream.Protocol == "openai" {
		return NewOpenAIClient(cfg.Upstream)
	}

	t := transport.NewClient(transport.Options{
		Timeout:    cfg.Relay.AttemptTimeout,
		MaxRetries: 0,
	})
	return NewNativeClient(cfg.Upstream, t)
}
