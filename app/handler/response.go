package handler

import (
	"errors"
	"net/http"

	"avatar-studio/app/pipeline"
	"avatar-studio/app/store"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

// success 创建成功响应
func success(c *gin.Context, statusCode int, data any, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// fail 创建错误响应
func fail(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    data,
	})
}

// failWithError 按错误分类选择状态码，只返回面向用户的信息
func failWithError(c *gin.Context, err error) {
	status, kind := statusForError(err)
	data := gin.H{"error_kind": kind}
	if kind == "" {
		data = nil
	}
	fail(c, status, pipeline.UserMessage(err), data)
}

func statusForError(err error) (int, pipeline.ErrorKind) {
	pe, ok := pipeline.AsError(err)
	if !ok {
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound, ""
		}
		return http.StatusInternalServerError, pipeline.KindUnknown
	}

	switch pe.Kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest, pe.Kind
	case pipeline.KindCreditInsufficient:
		return http.StatusPaymentRequired, pe.Kind
	case pipeline.KindOpenAI, pipeline.KindDID, pipeline.KindNetwork:
		return http.StatusBadGateway, pe.Kind
	default:
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound, pe.Kind
		}
		return http.StatusInternalServerError, pe.Kind
	}
}
