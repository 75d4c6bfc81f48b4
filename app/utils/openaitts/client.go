package openaitts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"avatar-studio/app/config"
	"avatar-studio/app/pipeline"

	"resty.dev/v3"
)

// Client OpenAI 语音合成客户端
type Client struct {
	client *resty.Client
	model  string
	voice  string
	format string
}

// Speech 合成的音频
type Speech struct {
	Audio       []byte
	ContentType string
	Format      string
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// New 创建客户端
func New(cfg config.OpenAIConfig) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetAuthToken(cfg.APIKey)
	client.SetTimeout(time.Duration(cfg.Timeout) * time.Second)

	format := cfg.ResponseFormat
	if format == "" {
		format = "mp3"
	}

	return &Client{
		client: client,
		model:  cfg.Model,
		voice:  cfg.Voice,
		format: format,
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Synthesize 调用 /audio/speech 合成语音，不做本地重试
func (c *Client) Synthesize(ctx context.Context, text string) (*Speech, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "audio/*").
		SetBody(speechRequest{
			Model:          c.model,
			Voice:          c.voice,
			Input:          text,
			ResponseFormat: c.format,
		}).
		Post("/audio/speech")
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindOpenAI, "speech request failed", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, classifyResponse(resp.StatusCode(), resp.String())
	}

	// 音频是二进制, 不能经过 String() 的 TrimSpace
	audio := resp.Bytes()
	if len(audio) == 0 {
		return nil, pipeline.NewError(pipeline.KindOpenAI, "speech response is empty")
	}

	return &Speech{
		Audio:       audio,
		ContentType: resp.Header().Get("Content-Type"),
		Format:      c.format,
	}, nil
}

// classifyResponse 按状态码和错误码归类；额度不足不可重试，其余 4xx 视为永久错误
func classifyResponse(status int, body string) *pipeline.Error {
	var parsed apiError
	_ = json.Unmarshal([]byte(body), &parsed)

	message := parsed.Error.Message
	if message == "" {
		message = truncate(body, 200)
	}
	detail := fmt.Errorf("status %d: %s", status, message)

	if isQuotaError(status, parsed) {
		return pipeline.Wrap(pipeline.KindCreditInsufficient, "openai credit insufficient", detail)
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return pipeline.Wrap(pipeline.KindOpenAI, "speech synthesis failed", detail)
	default:
		return pipeline.Wrap(pipeline.KindOpenAI, "speech request rejected", detail).Permanent()
	}
}

func isQuotaError(status int, parsed apiError) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	code := strings.ToLower(parsed.Error.Code + " " + parsed.Error.Type)
	if strings.Contains(code, "insufficient_quota") || strings.Contains(code, "billing") {
		return true
	}
	msg := strings.ToLower(parsed.Error.Message)
	return status == http.StatusTooManyRequests && (strings.Contains(msg, "quota") || strings.Contains(msg, "billing"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
