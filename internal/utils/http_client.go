package utils

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewHTTPClient 构造带连接池的HTTP客户端。
// timeout为0时不设全局超时，供流式调用使用（超时由调用方按阶段控制）。
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: false,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
