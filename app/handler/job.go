package handler

import (
	"context"
	"errors"
	"net/http"

	"avatar-studio/app/logger"
	"avatar-studio/app/middleware"
	"avatar-studio/app/model"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProgressSource 任务进度来源
type ProgressSource interface {
	Latest(jobID string) (pipeline.ProgressState, bool)
	Attach(jobID string, conn *websocket.Conn)
}

// JobHandler 视频任务查询和进度推送
type JobHandler struct {
	log      *logger.Logger
	store    store.Store
	progress ProgressSource
	upgrader websocket.Upgrader
}

// NewJobHandler 创建任务处理器
func NewJobHandler(log *logger.Logger, s store.Store, progress ProgressSource) *JobHandler {
	return &JobHandler{
		log:      log,
		store:    s,
		progress: progress,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetJob 任务详情
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadOwnedJob(c)
	if !ok {
		return
	}
	success(c, http.StatusOK, job, "success")
}

// Progress 最新进度；内存中没有快照时根据任务状态推断
func (h *JobHandler) Progress(c *gin.Context) {
	job, ok := h.loadOwnedJob(c)
	if !ok {
		return
	}

	if state, ok := h.progress.Latest(job.ID); ok {
		success(c, http.StatusOK, state, "success")
		return
	}
	success(c, http.StatusOK, progressFromJob(job), "success")
}

// Stream 通过 websocket 推送进度，直到任务结束或客户端断开
func (h *JobHandler) Stream(c *gin.Context) {
	job, ok := h.loadOwnedJob(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("升级 websocket 失败", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	// 任务已结束且快照过期时，直接推送最终状态
	if _, ok := h.progress.Latest(job.ID); !ok && job.Status.IsTerminal() {
		_ = conn.WriteJSON(progressFromJob(job))
		_ = conn.Close()
		return
	}

	h.progress.Attach(job.ID, conn)
}

func (h *JobHandler) loadOwnedJob(c *gin.Context) (*model.VideoJob, bool) {
	userID, _ := middleware.CurrentUserID(c)
	ctx := c.Request.Context()

	job, err := h.store.GetVideoJob(ctx, c.Param("id"))
	if err == nil {
		err = h.checkOwner(ctx, job, userID)
	}
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "任务不存在", nil)
		return nil, false
	}
	if err != nil {
		h.log.Error("查询任务失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "查询任务失败", nil)
		return nil, false
	}
	return job, true
}

func (h *JobHandler) checkOwner(ctx context.Context, job *model.VideoJob, userID uint) error {
	script, err := h.store.GetScript(ctx, job.ScriptID)
	if err != nil {
		return err
	}
	if script.UserID != userID {
		return store.ErrNotFound
	}
	return nil
}

func progressFromJob(job *model.VideoJob) pipeline.ProgressState {
	state := pipeline.ProgressState{
		JobID:    job.ID,
		ScriptID: job.ScriptID,
		At:       job.UpdatedAt,
	}

	switch job.Status {
	case model.StatusCompleted:
		state.CurrentStep = pipeline.StepCompleted
		state.ProgressPercent = pipeline.StepCompleted.Percent()
		state.Message = "video generated"
	case model.StatusFailed:
		state.CurrentStep = pipeline.StepError
		state.Message = job.ErrorMessage
		state.Error = job.ErrorMessage
		state.ErrorKind = pipeline.ErrorKind(job.ErrorKind)
	case model.StatusProcessing:
		// 没有缓存快照时无法得知具体阶段, 按最早的阶段上报
		state.CurrentStep = pipeline.StepValidating
		state.ProgressPercent = pipeline.StepValidating.Percent()
		state.Message = "processing"
	default:
		state.CurrentStep = pipeline.StepQueued
		state.ProgressPercent = pipeline.StepQueued.Percent()
		state.Message = "queued"
	}
	return state
}
