// Package store 持久化网关：讲稿与视频任务的存取，负责状态迁移校验
package store

import (
	"context"
	"errors"
	"time"

	"avatar-studio/app/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Store 持久化网关
type Store interface {
	CreateScript(ctx context.Context, userID uint, title, content string) (*model.Script, error)
	GetScript(ctx context.Context, id string) (*model.Script, error)
	ListScripts(ctx context.Context, userID uint) ([]model.Script, error)
	DeleteScript(ctx context.Context, id string) error
	UpdateScriptStatus(ctx context.Context, id string, status model.Status) error
	UpdateScriptVideoURL(ctx context.Context, id, url string, duration int) error

	CreateVideoJob(ctx context.Context, job *model.VideoJob) error
	GetVideoJob(ctx context.Context, id string) (*model.VideoJob, error)
	ListVideoJobs(ctx context.Context, scriptID string) ([]model.VideoJob, error)
	UpdateVideoJob(ctx context.Context, job *model.VideoJob) error

	// ClaimPendingJob 原子地把最早的 pending 任务改为 processing，没有任务时返回 ErrNotFound
	ClaimPendingJob(ctx context.Context) (*model.VideoJob, error)
	// FailInterruptedJobs 把上次进程遗留的 processing 任务标记为失败
	FailInterruptedJobs(ctx context.Context, reason string) (int64, error)
	// PurgeJobsBefore 删除完成时间早于 cutoff 的终态任务
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// checkJobUpdate 状态不变时允许更新其他字段
func checkJobUpdate(current *model.VideoJob, next *model.VideoJob) error {
	if current.Status == next.Status || model.CanTransitionJob(current.Status, next.Status) {
		return nil
	}
	return &model.TransitionError{Entity: "video job", ID: next.ID, From: current.Status, To: next.Status}
}

func checkScriptUpdate(current *model.Script, to model.Status) error {
	if model.CanTransitionScript(current.Status, to) {
		return nil
	}
	return &model.TransitionError{Entity: "script", ID: current.ID, From: current.Status, To: to}
}
