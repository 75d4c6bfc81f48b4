package pipeline

import (
	"context"

	"avatar-studio/app/model"
)

// SpeechSynthesizer 将文本转换为可被数字人服务访问的音频引用
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (audioRef string, err error)
}

// AvatarInput 数字人任务的输入，AudioRef 与 Text 二选一
type AvatarInput struct {
	AudioRef string
	Text     string
}

// AvatarClient 数字人视频服务
type AvatarClient interface {
	StartJob(ctx context.Context, input AvatarInput, presenter string) (jobID string, err error)
	WaitForCompletion(ctx context.Context, jobID string) (resultURL string, err error)
}

// Gateway 流程所需的持久化能力，未知 ID 返回 store.ErrNotFound
type Gateway interface {
	GetScript(ctx context.Context, id string) (*model.Script, error)
	UpdateScriptStatus(ctx context.Context, id string, status model.Status) error
	UpdateScriptVideoURL(ctx context.Context, id, url string, duration int) error
	CreateVideoJob(ctx context.Context, job *model.VideoJob) error
	UpdateVideoJob(ctx context.Context, job *model.VideoJob) error
}
