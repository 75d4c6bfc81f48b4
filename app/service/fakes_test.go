package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/model"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/store"
)

type stubSpeech struct{}

func (stubSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	return "s3://audio/speech.mp3", nil
}

type stubAvatar struct{}

func (stubAvatar) StartJob(ctx context.Context, input pipeline.AvatarInput, presenter string) (string, error) {
	return "tlk_" + presenter, nil
}

func (stubAvatar) WaitForCompletion(ctx context.Context, jobID string) (string, error) {
	return "https://cdn.example.com/" + jobID + ".mp4", nil
}

func newTestPipeline(gateway pipeline.Gateway) *pipeline.Pipeline {
	return pipeline.New(gateway, stubSpeech{}, stubAvatar{},
		pipeline.NewAvatarPool(config.AvatarConfig{Primary: "primary"}),
		pipeline.Options{SpeechRetry: pipeline.RetryConfig{}, VideoRetry: pipeline.RetryConfig{}},
		logger.NewNop())
}

// blockingRunner 在 release 关闭前阻塞 Run
type blockingRunner struct {
	store   *store.MemoryStore
	release chan struct{}
	panics  bool

	mu   sync.Mutex
	runs []string
}

func (r *blockingRunner) CreateJob(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error) {
	job := model.NewVideoJob(scriptID, presenter)
	if err := r.store.CreateVideoJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *blockingRunner) Run(ctx context.Context, job *model.VideoJob, reporter pipeline.ProgressReporter) (*pipeline.Result, error) {
	r.mu.Lock()
	r.runs = append(r.runs, job.ID)
	r.mu.Unlock()

	if r.panics {
		panic("boom")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.release:
		return &pipeline.Result{JobID: job.ID}, nil
	}
}

func (r *blockingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
