package service

import (
	"errors"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/utils/didclient"
	"avatar-studio/app/utils/openaitts"
)

var (
	ErrMissingOpenAIKey = errors.New("OPENAI_API_KEY is not set")
	ErrMissingDIDKey    = errors.New("DID_API_KEY is not set")
)

// Generator 组装好的生成流程及其外部客户端
type Generator struct {
	*pipeline.Pipeline
	speech *openaitts.Client
	did    *didclient.Client
}

// NewGenerator 按配置创建 OpenAI 和 D-ID 客户端并组装流程；文本模式不需要 OpenAI Key
func NewGenerator(cfg *config.Config, gateway pipeline.Gateway, log *logger.Logger) (*Generator, error) {
	if cfg.DID.APIKey == "" {
		return nil, ErrMissingDIDKey
	}
	if cfg.Pipeline.Mode != pipeline.ModeText && cfg.OpenAI.APIKey == "" {
		return nil, ErrMissingOpenAIKey
	}

	did := didclient.New(cfg.DID, log.Named("d-id"))
	speech := openaitts.New(cfg.OpenAI)

	opts := pipeline.Options{
		Mode:         cfg.Pipeline.Mode,
		SpeakingRate: cfg.Pipeline.SpeakingRate,
		SpeechRetry:  pipeline.RetryConfigFrom(cfg.Pipeline.SpeechRetry, log.Named("retry.speech").Logger),
		VideoRetry:   pipeline.RetryConfigFrom(cfg.Pipeline.VideoRetry, log.Named("retry.video").Logger),
	}

	p := pipeline.New(
		gateway,
		openaitts.NewSynthesizer(speech, did),
		did,
		pipeline.NewAvatarPool(cfg.Avatar),
		opts,
		log.Named("pipeline"),
	)

	return &Generator{Pipeline: p, speech: speech, did: did}, nil
}

// Close 释放客户端连接
func (g *Generator) Close() error {
	return errors.Join(g.speech.Close(), g.did.Close())
}
