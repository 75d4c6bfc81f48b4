package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"avatar-studio/app/logger"
	"avatar-studio/app/middleware"
	"avatar-studio/app/model"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Generator 同步生成视频
type Generator interface {
	Generate(ctx context.Context, scriptID string, opts pipeline.GenerateOptions) (*pipeline.Result, error)
}

// Enqueuer 把生成任务放入后台队列
type Enqueuer interface {
	Enqueue(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error)
}

// PosterRenderer 生成讲稿封面
type PosterRenderer interface {
	Render(ctx context.Context, script *model.Script, imageURL string) (string, error)
}

// ScriptHandler 讲稿与生成相关接口
type ScriptHandler struct {
	log       *logger.Logger
	store     store.Store
	generator Generator
	queue     Enqueuer
	reporter  pipeline.ProgressReporter
	avatars   *pipeline.AvatarPool
	poster    PosterRenderer
}

// NewScriptHandler reporter 用于同步生成时推送进度，可以为 nil
func NewScriptHandler(log *logger.Logger, s store.Store, generator Generator, queue Enqueuer, reporter pipeline.ProgressReporter, avatars *pipeline.AvatarPool, poster PosterRenderer) *ScriptHandler {
	return &ScriptHandler{
		log:       log,
		store:     s,
		generator: generator,
		queue:     queue,
		reporter:  reporter,
		avatars:   avatars,
		poster:    poster,
	}
}

// CreateScriptRequest 创建讲稿请求
type CreateScriptRequest struct {
	Title   string `json:"title" binding:"required,max=200"`
	Content string `json:"content"`
}

// GenerateRequest 生成请求，presenter 为空时使用配置的讲师形象
type GenerateRequest struct {
	Presenter string `json:"presenter" binding:"omitempty,url"`
	Wait      bool   `json:"wait"`
}

// CreateScript 创建讲稿，内容需通过校验
func (h *ScriptHandler) CreateScript(c *gin.Context) {
	userID, _ := middleware.CurrentUserID(c)

	var req CreateScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	if result := pipeline.Validate(req.Content); !result.IsValid {
		fail(c, http.StatusBadRequest, "讲稿校验失败", result)
		return
	}

	script, err := h.store.CreateScript(c.Request.Context(), userID, req.Title, req.Content)
	if err != nil {
		h.log.Error("创建讲稿失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "创建讲稿失败", nil)
		return
	}

	success(c, http.StatusCreated, script, "创建成功")
}

// ListScripts 当前用户的讲稿
func (h *ScriptHandler) ListScripts(c *gin.Context) {
	userID, _ := middleware.CurrentUserID(c)

	scripts, err := h.store.ListScripts(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("查询讲稿列表失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "查询讲稿失败", nil)
		return
	}

	success(c, http.StatusOK, scripts, "success")
}

// GetScript 讲稿详情
func (h *ScriptHandler) GetScript(c *gin.Context) {
	script, ok := h.loadOwnedScript(c)
	if !ok {
		return
	}
	success(c, http.StatusOK, script, "success")
}

// DeleteScript 删除讲稿及其任务，处理中的讲稿不能删除
func (h *ScriptHandler) DeleteScript(c *gin.Context) {
	script, ok := h.loadOwnedScript(c)
	if !ok {
		return
	}
	if script.Status == model.StatusProcessing {
		fail(c, http.StatusConflict, "讲稿正在生成中，无法删除", nil)
		return
	}

	if err := h.store.DeleteScript(c.Request.Context(), script.ID); err != nil {
		failWithError(c, err)
		return
	}
	success(c, http.StatusOK, nil, "删除成功")
}

// Generate 默认入队后台生成；wait=true 时同步执行并返回结果
func (h *ScriptHandler) Generate(c *gin.Context) {
	script, ok := h.loadOwnedScript(c)
	if !ok {
		return
	}

	var req GenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
			return
		}
	}
	if c.Query("wait") == "true" {
		req.Wait = true
	}

	if script.Status == model.StatusProcessing {
		fail(c, http.StatusConflict, "讲稿正在生成中", nil)
		return
	}

	if !req.Wait {
		job, err := h.queue.Enqueue(c.Request.Context(), script.ID, req.Presenter)
		if err != nil {
			failWithError(c, err)
			return
		}
		success(c, http.StatusAccepted, job, "已加入生成队列")
		return
	}

	result, err := h.generator.Generate(c.Request.Context(), script.ID, pipeline.GenerateOptions{
		Presenter: req.Presenter,
		Reporter:  h.reporter,
	})
	if err != nil {
		failWithError(c, err)
		return
	}
	success(c, http.StatusOK, result, "生成成功")
}

// ListJobs 讲稿的生成记录
func (h *ScriptHandler) ListJobs(c *gin.Context) {
	script, ok := h.loadOwnedScript(c)
	if !ok {
		return
	}

	jobs, err := h.store.ListVideoJobs(c.Request.Context(), script.ID)
	if err != nil {
		h.log.Error("查询任务列表失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "查询任务失败", nil)
		return
	}
	success(c, http.StatusOK, jobs, "success")
}

// Poster 返回已完成讲稿的封面 PNG
func (h *ScriptHandler) Poster(c *gin.Context) {
	script, ok := h.loadOwnedScript(c)
	if !ok {
		return
	}
	if script.Status != model.StatusCompleted {
		fail(c, http.StatusConflict, "讲稿尚未生成视频", nil)
		return
	}

	imageURL := h.avatars.Snapshot().Primary
	jobs, err := h.store.ListVideoJobs(c.Request.Context(), script.ID)
	if err == nil {
		for _, job := range jobs {
			if job.Status == model.StatusCompleted && job.AvatarUsed != "" {
				imageURL = job.AvatarUsed
				break
			}
		}
	}

	path, err := h.poster.Render(c.Request.Context(), script, imageURL)
	if err != nil {
		h.log.Error("生成封面失败", zap.String("script_id", script.ID), zap.Error(err))
		fail(c, http.StatusBadGateway, "生成封面失败", nil)
		return
	}
	c.File(path)
}

// loadOwnedScript 只能访问自己的讲稿，其他用户的讲稿视为不存在
func (h *ScriptHandler) loadOwnedScript(c *gin.Context) (*model.Script, bool) {
	userID, _ := middleware.CurrentUserID(c)

	script, err := h.store.GetScript(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && script.UserID != userID) {
		fail(c, http.StatusNotFound, "讲稿不存在", nil)
		return nil, false
	}
	if err != nil {
		h.log.Error("查询讲稿失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "查询讲稿失败", nil)
		return nil, false
	}
	return script, true
}
