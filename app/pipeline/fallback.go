package pipeline

import (
	"context"
	"fmt"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"

	"go.uber.org/zap"
)

// Rendering 数字人视频生成结果
type Rendering struct {
	VideoURL      string
	AvatarUsed    string
	ExternalJobID string
}

// FallbackSelector 主图失败后按顺序尝试备选图片
type FallbackSelector struct {
	client AvatarClient
	retry  RetryConfig
	log    *logger.Logger
}

func NewFallbackSelector(client AvatarClient, retry RetryConfig, log *logger.Logger) *FallbackSelector {
	return &FallbackSelector{client: client, retry: retry, log: log}
}

// Render 逐个图片执行 startJob + waitForCompletion（各自带重试），第一个成功即返回
func (s *FallbackSelector) Render(ctx context.Context, input AvatarInput, avatars config.AvatarConfig, override string) (*Rendering, error) {
	images := candidates(avatars, override)
	if len(images) == 0 {
		return nil, NewError(KindDID, "no presenter image configured").Permanent()
	}

	var lastErr error
	for i, image := range images {
		rendering, err := WithRetry(ctx, s.retry, func(ctx context.Context) (*Rendering, error) {
			return s.renderOnce(ctx, input, image)
		})
		if err == nil {
			if i > 0 {
				s.log.Info("备选讲师形象生成成功", zap.String("avatar", image), zap.Int("index", i))
			}
			return rendering, nil
		}

		lastErr = err
		if !shouldFallback(ctx, err) {
			return nil, err
		}
		if i < len(images)-1 {
			s.log.Warn("讲师形象生成失败，切换到下一张图片",
				zap.String("avatar", image),
				zap.String("next", images[i+1]),
				zap.Error(err))
		}
	}

	return nil, Wrap(KindDID, "all avatars failed", lastErr).Permanent()
}

func (s *FallbackSelector) renderOnce(ctx context.Context, input AvatarInput, image string) (*Rendering, error) {
	jobID, err := s.client.StartJob(ctx, input, image)
	if err != nil {
		return nil, err
	}
	s.log.Debug("数字人任务已创建", zap.String("talk_id", jobID), zap.String("avatar", image))

	resultURL, err := s.client.WaitForCompletion(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if resultURL == "" {
		return nil, Wrap(KindDID, "job finished without result url", fmt.Errorf("talk %s", jobID))
	}
	return &Rendering{VideoURL: resultURL, AvatarUsed: image, ExternalJobID: jobID}, nil
}

// shouldFallback 只有数字人服务自身的失败才换图，额度不足、取消等直接结束
func shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	return pe.Kind == KindDID
}
