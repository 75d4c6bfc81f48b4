package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"avatar-studio/app/auth"
	"avatar-studio/app/middleware"
	"avatar-studio/app/model"
	"avatar-studio/app/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	db         *gorm.DB
	jwtService *auth.JWTService
	expire     time.Duration
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(db *gorm.DB, jwtService *auth.JWTService, expireHours int) *AuthHandler {
	return &AuthHandler{
		db:         db,
		jwtService: jwtService,
		expire:     time.Duration(expireHours) * time.Hour,
	}
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string      `json:"token"`
	User     *model.User `json:"user"`
	ExpireAt int64       `json:"expire_at"`
}

// RegisterRequest 注册请求结构
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=20"`
	Password string `json:"password" binding:"required,min=6"`
	Email    string `json:"email" binding:"omitempty,email"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	var user model.User
	if err := h.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		fail(c, http.StatusUnauthorized, "用户名或密码错误", nil)
		return
	}
	if !utils.VerifyPassword(req.Password, user.Password) {
		fail(c, http.StatusUnauthorized, "用户名或密码错误", nil)
		return
	}
	if !user.IsActive {
		fail(c, http.StatusForbidden, "用户账号已被禁用", nil)
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Username)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败", nil)
		return
	}

	now := time.Now()
	user.LastLogin = &now
	h.db.Model(&user).Update("last_login", now)

	success(c, http.StatusOK, LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: now.Add(h.expire).Unix(),
	}, "登录成功")
}

// Register 用户注册
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	var existingUser model.User
	if err := h.db.Where("username = ?", req.Username).First(&existingUser).Error; err == nil {
		fail(c, http.StatusConflict, "用户名已存在", nil)
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusInternalServerError, "查询用户失败", nil)
		return
	}

	hashedPassword, err := utils.HashPassword(req.Password)
	if err != nil {
		fail(c, http.StatusInternalServerError, "密码哈希失败", nil)
		return
	}

	user := model.User{
		Username: req.Username,
		Password: hashedPassword,
		Email:    req.Email,
		IsActive: true,
	}
	if err := h.db.Create(&user).Error; err != nil {
		fail(c, http.StatusInternalServerError, "创建用户失败", nil)
		return
	}

	success(c, http.StatusCreated, user, "注册成功")
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		fail(c, http.StatusUnauthorized, "Authorization header is required", nil)
		return
	}

	newToken, err := h.jwtService.RefreshToken(token)
	if errors.Is(err, auth.ErrNoNeedToRefresh) {
		fail(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		fail(c, http.StatusUnauthorized, "刷新令牌失败: "+err.Error(), nil)
		return
	}

	success(c, http.StatusOK, gin.H{
		"token":     newToken,
		"expire_at": time.Now().Add(h.expire).Unix(),
	}, "刷新成功")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "未认证", nil)
		return
	}

	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		fail(c, http.StatusNotFound, "用户不存在", nil)
		return
	}

	success(c, http.StatusOK, user, "success")
}
