package service

import (
	"context"
	"time"

	"avatar-studio/app/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobPurger 删除已结束的旧任务
type JobPurger interface {
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupScheduler 按 cron 表达式定期清理过期的已完成/失败任务
type CleanupScheduler struct {
	log       *logger.Logger
	store     JobPurger
	cron      *cron.Cron
	retention time.Duration
	now       func() time.Time
}

// cronLogger 把 cron 内部日志转给 zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewCleanupScheduler 校验 cron 表达式并注册清理任务，需调用 Start 才会执行
func NewCleanupScheduler(log *logger.Logger, store JobPurger, schedule string, retentionDays int) (*CleanupScheduler, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	s := &CleanupScheduler{
		log:       log,
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}

	cl := cronLogger{sugar: log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Start 启动调度
func (s *CleanupScheduler) Start() {
	s.cron.Start()
	s.log.Info("任务清理调度已启动", zap.Duration("retention", s.retention))
}

// Stop 停止调度并等待正在执行的清理结束
func (s *CleanupScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("任务清理调度已停止")
}

// RunOnce 立即清理一次，返回删除的任务数
func (s *CleanupScheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeJobsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("清理过期任务失败", zap.Error(err))
		return 0, err
	}
	if purged > 0 {
		s.log.Info("已清理过期任务", zap.Int64("count", purged), zap.Time("cutoff", cutoff))
	}
	return purged, nil
}
