package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pelican-relay/internal/config"
	"pelican-relay/internal/model"
	"pelican-relay/internal/stream"
	"pelican-relay/internal/transport"
)

// NativeClient 对接自有协议的推理服务：POST JSON请求体，
// 响应为data:前缀的SSE帧，终止哨兵[DONE]结束流。
type NativeClient struct {
	transport *transport.Client
	baseURL   string
	apiKey    string
}

func NewNativeClient(cfg config.UpstreamConfig, t *transport.Client) *NativeClient {
	return &NativeClient{
		transport: t,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
	}
}

func (c *NativeClient) OpenStream(ctx context.Context, req *model.UpstreamRequest) (EventSource, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	resp, err := c.transport.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/v1/chat/stream",
		Body:   body,
		Header: c.headers(true),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	// 解码器接管响应体，Close时一并关闭连接
	return stream.NewDecoder(resp.Body), nil
}

func (c *NativeClient) Complete(ctx context.Context, req *model.UpstreamRequest) (*model.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	resp, err := c.transport.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/v1/chat",
		Body:   body,
		Header: c.headers(false),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	if ev.Type == "" {
		ev.Type = model.EventDone
	}

	return &ev, nil
}

func (c *NativeClient) headers(streaming bool) http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	if streaming {
		h.Set("Accept", "text/event-stream")
	}
	return h
}
