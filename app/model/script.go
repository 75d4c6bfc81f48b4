package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Script 用户编写的讲稿
type Script struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    uint      `json:"user_id" gorm:"index;comment:所属用户"`
	Title     string    `json:"title" gorm:"size:200;not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	Status    Status    `json:"status" gorm:"size:20;default:pending;index"`
	VideoURL  string    `json:"video_url" gorm:"type:text"`
	Duration  int       `json:"duration" gorm:"default:0;comment:估算时长(秒)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Script) TableName() string {
	return "scripts"
}

// BeforeCreate 未指定 ID 时生成 UUID
func (s *Script) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// TransitionTo 校验并修改脚本状态
func (s *Script) TransitionTo(to Status) error {
	if !CanTransitionScript(s.Status, to) {
		return &TransitionError{Entity: "script", ID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	return nil
}
