package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"avatar-studio/app/logger"
	"avatar-studio/app/model"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/store"

	"go.uber.org/zap"
)

// interruptedReason 进程重启时仍处于处理中的任务的失败原因
const interruptedReason = "interrupted: service restarted while the job was processing"

// JobRunner 队列执行任务所需的流程能力
type JobRunner interface {
	CreateJob(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error)
	Run(ctx context.Context, job *model.VideoJob, reporter pipeline.ProgressReporter) (*pipeline.Result, error)
}

// JobQueueStore 队列用到的存储操作
type JobQueueStore interface {
	ClaimPendingJob(ctx context.Context) (*model.VideoJob, error)
	FailInterruptedJobs(ctx context.Context, reason string) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// QueueStatus 队列运行状态
type QueueStatus struct {
	Running     bool                   `json:"running"`
	Concurrency int                    `json:"concurrency"`
	Active      int64                  `json:"active"`
	Jobs        map[model.Status]int64 `json:"jobs"`
}

// GenerationQueue 后台视频生成队列，从存储中认领 pending 任务并发执行
type GenerationQueue struct {
	log       *logger.Logger
	store     JobQueueStore
	runner    JobRunner
	reporter  pipeline.ProgressReporter
	interval  time.Duration
	workers   chan struct{} // 用于控制并发数的信号量
	wake      chan struct{}
	active    atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewGenerationQueue 创建生成队列，concurrency 小于 1 时按 1 处理
func NewGenerationQueue(log *logger.Logger, jobStore JobQueueStore, runner JobRunner, reporter pipeline.ProgressReporter, concurrency int, interval time.Duration) *GenerationQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &GenerationQueue{
		log:      log,
		store:    jobStore,
		runner:   runner,
		reporter: reporter,
		interval: interval,
		workers:  make(chan struct{}, concurrency),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue 创建 pending 任务并唤醒队列
func (q *GenerationQueue) Enqueue(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error) {
	job, err := q.runner.CreateJob(ctx, scriptID, presenter)
	if err != nil {
		return nil, err
	}

	q.log.Info("视频任务已入队", zap.String("job_id", job.ID), zap.String("script_id", scriptID))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Start 把上次遗留的处理中任务标记为失败，然后开始轮询
func (q *GenerationQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isRunning {
		q.log.Warn("生成队列已经在运行中")
		return nil
	}

	failed, err := q.store.FailInterruptedJobs(ctx, interruptedReason)
	if err != nil {
		return err
	}
	if failed > 0 {
		q.log.Warn("已将中断的任务标记为失败", zap.Int64("count", failed))
	}

	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.isRunning = true
	q.log.Info("启动生成队列", zap.Int("concurrency", cap(q.workers)), zap.Duration("interval", q.interval))

	q.wg.Add(1)
	go q.processQueue()
	return nil
}

// Stop 取消正在执行的任务并等待退出
func (q *GenerationQueue) Stop() {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = false
	q.mu.Unlock()

	q.log.Info("正在停止生成队列...")
	q.cancel()
	q.wg.Wait()
	q.log.Info("生成队列已停止")
}

// Status 返回运行状态和各状态任务数量
func (q *GenerationQueue) Status(ctx context.Context) (*QueueStatus, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	running := q.isRunning
	q.mu.RUnlock()

	return &QueueStatus{
		Running:     running,
		Concurrency: cap(q.workers),
		Active:      q.active.Load(),
		Jobs:        counts,
	}, nil
}

// processQueue 定时或被唤醒时认领任务
func (q *GenerationQueue) processQueue() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.dispatch()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.dispatch()
		case <-q.wake:
			q.dispatch()
		}
	}
}

// dispatch 在有空闲名额时持续认领，直到没有待处理任务
func (q *GenerationQueue) dispatch() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case q.workers <- struct{}{}:
		default:
			return
		}

		job, err := q.store.ClaimPendingJob(q.ctx)
		if err != nil {
			<-q.workers
			if !errors.Is(err, store.ErrNotFound) && q.ctx.Err() == nil {
				q.log.Error("认领任务失败", zap.Error(err))
			}
			return
		}

		q.active.Add(1)
		q.wg.Add(1)
		go q.execute(job)
	}
}

// execute 执行单个任务；结果已由流程持久化，这里只记录日志
func (q *GenerationQueue) execute(job *model.VideoJob) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("执行任务时发生panic", zap.String("job_id", job.ID), zap.Any("panic", r))
		}
		q.active.Add(-1)
		<-q.workers
		q.wg.Done()
	}()

	start := time.Now()
	result, err := q.runner.Run(q.ctx, job, q.reporter)
	if err != nil {
		q.log.Warn("视频任务失败",
			zap.String("job_id", job.ID),
			zap.String("kind", string(pipeline.KindOf(err))),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}

	q.log.Info("视频任务完成",
		zap.String("job_id", job.ID),
		zap.String("video_url", result.VideoURL),
		zap.Duration("elapsed", time.Since(start)))
}
