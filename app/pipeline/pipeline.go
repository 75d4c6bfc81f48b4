package pipeline

import (
	"context"
	"errors"
	"math"
	"unicode/utf8"

	"avatar-studio/app/logger"
	"avatar-studio/app/model"
	"avatar-studio/app/store"

	"go.uber.org/zap"
)

const (
	ModeAudio = "audio"
	ModeText  = "text"

	// DefaultSpeakingRate 估算时长用的每秒字符数
	DefaultSpeakingRate = 10.0
)

// Options 流程参数
type Options struct {
	Mode         string
	SpeakingRate float64
	SpeechRetry  RetryConfig
	VideoRetry   RetryConfig
}

// GenerateOptions 单次生成的可选参数
type GenerateOptions struct {
	Presenter string
	Reporter  ProgressReporter
}

// Result 生成成功的结果
type Result struct {
	JobID      string       `json:"job_id"`
	ScriptID   string       `json:"script_id"`
	Status     model.Status `json:"status"`
	VideoURL   string       `json:"video_url"`
	AvatarUsed string       `json:"avatar_used"`
	Duration   int          `json:"duration"`
}

// Pipeline 校验 → 语音合成 → 数字人视频 → 持久化
type Pipeline struct {
	store    Gateway
	speech   SpeechSynthesizer
	selector *FallbackSelector
	avatars  *AvatarPool
	opts     Options
	log      *logger.Logger
}

// New 创建生成流程，所有外部依赖显式注入
func New(gateway Gateway, speech SpeechSynthesizer, avatar AvatarClient, avatars *AvatarPool, opts Options, log *logger.Logger) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = ModeAudio
	}
	if opts.SpeakingRate <= 0 {
		opts.SpeakingRate = DefaultSpeakingRate
	}
	return &Pipeline{
		store:    gateway,
		speech:   speech,
		selector: NewFallbackSelector(avatar, opts.VideoRetry, log.Named("fallback")),
		avatars:  avatars,
		opts:     opts,
		log:      log,
	}
}

// Avatars 当前讲师形象配置
func (p *Pipeline) Avatars() *AvatarPool {
	return p.avatars
}

// CreateJob 为脚本创建一条待处理的视频任务
func (p *Pipeline) CreateJob(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error) {
	if _, err := p.store.GetScript(ctx, scriptID); err != nil {
		return nil, gatewayError("load script", err)
	}

	job := model.NewVideoJob(scriptID, presenter)
	if err := p.store.CreateVideoJob(ctx, job); err != nil {
		return nil, gatewayError("create video job", err)
	}
	return job, nil
}

// Generate 同步生成：创建任务并执行，失败时在持久化后返回分类错误
func (p *Pipeline) Generate(ctx context.Context, scriptID string, opts GenerateOptions) (*Result, error) {
	job, err := p.CreateJob(ctx, scriptID, opts.Presenter)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, job, opts.Reporter)
}

// Run 执行一条已存在的任务（pending 或已被队列认领的 processing）
func (p *Pipeline) Run(ctx context.Context, job *model.VideoJob, reporter ProgressReporter) (*Result, error) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("script_id", job.ScriptID))
	tracker := newProgressTracker(job.ID, job.ScriptID, reporter)

	if job.Status == model.StatusPending {
		if err := job.TransitionTo(model.StatusProcessing); err != nil {
			return nil, Wrap(KindUnknown, "start video job", err).Permanent()
		}
		if err := p.store.UpdateVideoJob(ctx, job); err != nil {
			return nil, gatewayError("start video job", err)
		}
	}

	script, err := p.store.GetScript(ctx, job.ScriptID)
	if err != nil {
		return nil, p.fail(ctx, log, tracker, job, gatewayError("load script", err))
	}
	if err := p.store.UpdateScriptStatus(ctx, script.ID, model.StatusProcessing); err != nil {
		return nil, p.fail(ctx, log, tracker, job, gatewayError("update script status", err))
	}

	tracker.advance(StepValidating, "validating script")
	log.Info("开始校验讲稿")
	if err := ValidateOrError(script.Content); err != nil {
		return nil, p.fail(ctx, log, tracker, job, err)
	}

	tracker.advance(StepGeneratingAudio, "generating audio")
	input, err := p.synthesize(ctx, log, script.Content)
	if err != nil {
		return nil, p.fail(ctx, log, tracker, job, err)
	}

	tracker.advance(StepGeneratingVideo, "generating avatar video")
	log.Info("开始生成数字人视频")
	rendering, err := p.selector.Render(ctx, input, p.avatars.Snapshot(), job.PresenterOverride)
	if err != nil {
		return nil, p.fail(ctx, log, tracker, job, err)
	}

	duration := EstimateDuration(script.Content, p.opts.SpeakingRate)
	// 任务记录先落库, 失败时 job 仍处于 processing, 可以正常转为 failed
	completed := *job
	if err := completed.SetCompleted(rendering.VideoURL, rendering.AvatarUsed, rendering.ExternalJobID, duration); err != nil {
		return nil, p.fail(ctx, log, tracker, job, Wrap(KindUnknown, "complete video job", err).Permanent())
	}
	if err := p.store.UpdateVideoJob(ctx, &completed); err != nil {
		return nil, p.fail(ctx, log, tracker, job, gatewayError("save video job", err))
	}
	*job = completed

	if err := p.store.UpdateScriptVideoURL(ctx, script.ID, rendering.VideoURL, duration); err != nil {
		log.Error("保存脚本视频地址失败", zap.Error(err))
	}
	if err := p.store.UpdateScriptStatus(ctx, script.ID, model.StatusCompleted); err != nil {
		log.Error("更新脚本完成状态失败", zap.Error(err))
	}

	tracker.advance(StepCompleted, "video generated")
	log.Info("视频生成完成",
		zap.String("video_url", rendering.VideoURL),
		zap.String("avatar_used", rendering.AvatarUsed),
		zap.Int("duration", duration))

	return &Result{
		JobID:      job.ID,
		ScriptID:   script.ID,
		Status:     job.Status,
		VideoURL:   rendering.VideoURL,
		AvatarUsed: rendering.AvatarUsed,
		Duration:   duration,
	}, nil
}

// synthesize 文本模式直接把讲稿交给数字人服务
func (p *Pipeline) synthesize(ctx context.Context, log *logger.Logger, content string) (AvatarInput, error) {
	if p.opts.Mode == ModeText {
		log.Info("文本模式，跳过语音合成")
		return AvatarInput{Text: content}, nil
	}

	log.Info("开始语音合成")
	audioRef, err := WithRetry(ctx, p.opts.SpeechRetry, func(ctx context.Context) (string, error) {
		return p.speech.Synthesize(ctx, content)
	})
	if err != nil {
		return AvatarInput{}, err
	}
	return AvatarInput{AudioRef: audioRef}, nil
}

// fail 持久化失败状态并推送 ERROR，返回分类后的错误
func (p *Pipeline) fail(ctx context.Context, log *logger.Logger, tracker *progressTracker, job *model.VideoJob, cause error) error {
	classified := Classify(cause)
	message := UserMessage(cause)
	log.Error("视频生成失败",
		zap.String("step", string(tracker.step())),
		zap.String("kind", string(classified.Kind)),
		zap.Error(cause))

	// 持久化使用独立的 ctx，避免调用方取消后失败状态写不进去
	persistCtx := context.WithoutCancel(ctx)

	if err := job.SetFailed(string(classified.Kind), message); err != nil {
		log.Error("任务状态迁移失败", zap.Error(err))
	} else if err := p.store.UpdateVideoJob(persistCtx, job); err != nil {
		log.Error("保存任务失败状态失败", zap.Error(err))
	}
	if err := p.store.UpdateScriptStatus(persistCtx, job.ScriptID, model.StatusFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("更新脚本失败状态失败", zap.Error(err))
	}

	tracker.fail(cause)
	return classified
}

// gatewayError 记录不存在视为致命错误
func gatewayError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return Wrap(KindUnknown, op, err).Permanent()
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return Wrap(KindUnknown, op, err)
}

// EstimateDuration 按固定语速粗略估算视频时长（秒），只作为占位值
func EstimateDuration(content string, charsPerSecond float64) int {
	if charsPerSecond <= 0 {
		charsPerSecond = DefaultSpeakingRate
	}
	runes := utf8.RuneCountInString(content)
	if runes == 0 {
		return 0
	}
	return int(math.Ceil(float64(runes) / charsPerSecond))
}
