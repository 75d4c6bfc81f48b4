package handler

import (
	"context"
	"net/http"

	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"
	"avatar-studio/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// QueueInspector 队列状态
type QueueInspector interface {
	Status(ctx context.Context) (*service.QueueStatus, error)
}

// SystemHandler 讲师形象、讲稿校验和队列状态
type SystemHandler struct {
	log     *logger.Logger
	avatars *pipeline.AvatarPool
	queue   QueueInspector
}

// NewSystemHandler 创建处理器
func NewSystemHandler(log *logger.Logger, avatars *pipeline.AvatarPool, queue QueueInspector) *SystemHandler {
	return &SystemHandler{log: log, avatars: avatars, queue: queue}
}

// ValidateRequest 校验请求
type ValidateRequest struct {
	Content string `json:"content"`
}

// Avatars 当前生效的讲师形象
func (h *SystemHandler) Avatars(c *gin.Context) {
	success(c, http.StatusOK, h.avatars.Snapshot(), "success")
}

// Validate 只做讲稿校验，不创建记录
func (h *SystemHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}
	success(c, http.StatusOK, pipeline.Validate(req.Content), "success")
}

// QueueStatus 队列运行情况
func (h *SystemHandler) QueueStatus(c *gin.Context) {
	status, err := h.queue.Status(c.Request.Context())
	if err != nil {
		h.log.Error("查询队列状态失败", zap.Error(err))
		fail(c, http.StatusInternalServerError, "查询队列状态失败", nil)
		return
	}
	success(c, http.StatusOK, status, "success")
}
