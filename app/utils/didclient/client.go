package didclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"

	"go.uber.org/zap"
	"resty.dev/v3"
)

// 远端任务状态
const (
	StatusCreated    = "created"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
	StatusRejected   = "rejected"
)

// Client D-ID talks 接口客户端
type Client struct {
	client          *resty.Client
	log             *logger.Logger
	pollInterval    time.Duration
	pollMaxAttempts int
	textVoice       string
	stitch          bool
}

var _ pipeline.AvatarClient = (*Client)(nil)

// JobStatus 任务状态
type JobStatus struct {
	Status      string
	ResultURL   string
	ErrorDetail string
}

type talkScript struct {
	Type     string        `json:"type"`
	Input    string        `json:"input,omitempty"`
	AudioURL string        `json:"audio_url,omitempty"`
	Provider *talkProvider `json:"provider,omitempty"`
}

type talkProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type talkConfig struct {
	Fluent   bool `json:"fluent"`
	PadAudio int  `json:"pad_audio"`
	Stitch   bool `json:"stitch"`
}

type createTalkRequest struct {
	SourceURL string     `json:"source_url"`
	Script    talkScript `json:"script"`
	Config    talkConfig `json:"config"`
}

type talkResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

type apiError struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// New 创建客户端；API Key 按 D-ID 约定以 Basic 方式传递
func New(cfg config.DIDConfig, log *logger.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetHeader("Authorization", "Basic "+cfg.APIKey)
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(time.Duration(cfg.Timeout) * time.Second)

	return &Client{
		client:          client,
		log:             log,
		pollInterval:    time.Duration(cfg.PollInterval) * time.Second,
		pollMaxAttempts: cfg.PollMaxAttempts,
		textVoice:       cfg.TextVoice,
		stitch:          cfg.Stitch,
	}
}

// Close 释放连接
func (c *Client) Close() error {
	return c.client.Close()
}

// StartJob 创建 talk 任务，返回任务 ID
func (c *Client) StartJob(ctx context.Context, input pipeline.AvatarInput, presenter string) (string, error) {
	script := talkScript{Type: "audio", AudioURL: input.AudioRef}
	if input.AudioRef == "" {
		if strings.TrimSpace(input.Text) == "" {
			return "", pipeline.NewError(pipeline.KindDID, "talk needs audio or text input").Permanent()
		}
		script = talkScript{
			Type:     "text",
			Input:    input.Text,
			Provider: &talkProvider{Type: "microsoft", VoiceID: c.textVoice},
		}
	}

	var created talkResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(createTalkRequest{
			SourceURL: presenter,
			Script:    script,
			Config:    talkConfig{Fluent: false, PadAudio: 0, Stitch: c.stitch},
		}).
		SetResult(&created).
		Post("/talks")
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindDID, "create talk failed", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", classifyResponse("create talk", resp.StatusCode(), resp.String())
	}
	if created.ID == "" {
		return "", pipeline.NewError(pipeline.KindDID, "create talk returned no id")
	}

	return created.ID, nil
}

// PollStatus 查询任务状态
func (c *Client) PollStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var talk talkResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&talk).
		Get("/talks/" + jobID)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindDID, "get talk failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyResponse("get talk", resp.StatusCode(), resp.String())
	}

	status := &JobStatus{Status: normalizeStatus(talk.Status), ResultURL: talk.ResultURL}
	if talk.Error != nil {
		status.ErrorDetail = strings.TrimSpace(talk.Error.Kind + ": " + talk.Error.Description)
	}
	return status, nil
}

// WaitForCompletion 使用配置的间隔和次数轮询
func (c *Client) WaitForCompletion(ctx context.Context, jobID string) (string, error) {
	return c.WaitForCompletionWith(ctx, jobID, c.pollMaxAttempts, c.pollInterval)
}

// WaitForCompletionWith 固定间隔轮询直到完成；任务本身失败不可重试，超时可重试
func (c *Client) WaitForCompletionWith(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 60
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := c.PollStatus(ctx, jobID)
		switch {
		case err != nil:
			if !pipeline.IsRetryable(err) {
				return "", err
			}
			c.log.Warn("查询数字人任务失败，继续轮询",
				zap.String("talk_id", jobID), zap.Int("attempt", attempt), zap.Error(err))
		case status.Status == StatusDone:
			if status.ResultURL == "" {
				return "", pipeline.NewError(pipeline.KindDID, fmt.Sprintf("talk %s done without result_url", jobID)).Permanent()
			}
			return status.ResultURL, nil
		case status.Status == StatusError || status.Status == StatusRejected:
			detail := status.ErrorDetail
			if detail == "" {
				detail = status.Status
			}
			return "", pipeline.Wrap(pipeline.KindDID, "talk "+status.Status, fmt.Errorf("talk %s: %s", jobID, detail)).Permanent()
		default:
			c.log.Debug("数字人任务处理中",
				zap.String("talk_id", jobID), zap.String("status", status.Status), zap.Int("attempt", attempt))
		}

		if attempt == maxAttempts {
			break
		}
		if err := wait(ctx, interval); err != nil {
			return "", err
		}
	}

	return "", pipeline.Wrap(pipeline.KindDID, "talk timed out",
		fmt.Errorf("talk %s not done after %d attempts (%s)", jobID, maxAttempts, time.Duration(maxAttempts)*interval))
}

// UploadAudio 上传音频到 /audios，返回可用于 audio_url 的地址
func (c *Client) UploadAudio(ctx context.Context, filename string, data []byte) (string, error) {
	var uploaded uploadResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("audio", filename, bytes.NewReader(data)).
		SetResult(&uploaded).
		Post("/audios")
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindDID, "upload audio failed", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", classifyResponse("upload audio", resp.StatusCode(), resp.String())
	}
	if uploaded.URL == "" {
		return "", pipeline.NewError(pipeline.KindDID, "upload audio returned no url")
	}
	return uploaded.URL, nil
}

func normalizeStatus(status string) string {
	switch status {
	case "started", "processing":
		return StatusProcessing
	case "":
		return StatusCreated
	default:
		return status
	}
}

// classifyResponse 402 或额度类错误为 CREDIT_INSUFFICIENT；429/5xx 可重试；其他 4xx 为永久错误
func classifyResponse(op string, status int, body string) *pipeline.Error {
	var parsed apiError
	_ = json.Unmarshal([]byte(body), &parsed)

	description := parsed.Description
	if description == "" {
		description = parsed.Message
	}
	if description == "" {
		description = body
		if len(description) > 200 {
			description = description[:200] + "..."
		}
	}
	detail := fmt.Errorf("status %d %s: %s", status, parsed.Kind, description)

	if status == http.StatusPaymentRequired || strings.Contains(strings.ToLower(parsed.Kind), "credit") {
		return pipeline.Wrap(pipeline.KindCreditInsufficient, "d-id credit insufficient", detail)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return pipeline.Wrap(pipeline.KindDID, op+" failed", detail)
	}
	return pipeline.Wrap(pipeline.KindDID, op+" rejected", detail).Permanent()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
