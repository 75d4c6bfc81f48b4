package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VideoJob 一次讲稿到数字人视频的生成尝试
type VideoJob struct {
	ID                string     `json:"id" gorm:"primaryKey;size:36"`
	ScriptID          string     `json:"script_id" gorm:"size:36;not null;index"`
	Status            Status     `json:"status" gorm:"size:20;default:pending;index"`
	VideoURL          string     `json:"video_url,omitempty" gorm:"type:text"`
	AvatarUsed        string     `json:"avatar_used,omitempty" gorm:"type:text;comment:最终成功的讲师形象"`
	PresenterOverride string     `json:"presenter_override,omitempty" gorm:"type:text;comment:用户指定的讲师形象"`
	ExternalJobID     string     `json:"external_job_id,omitempty" gorm:"size:100"`
	ErrorMessage      string     `json:"error_message,omitempty" gorm:"type:text"`
	ErrorKind         string     `json:"error_kind,omitempty" gorm:"size:40"`
	Duration          int        `json:"duration" gorm:"default:0"`
	CreatedAt         time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (VideoJob) TableName() string {
	return "video_jobs"
}

// BeforeCreate 未指定 ID 时生成 UUID
func (j *VideoJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// NewVideoJob 创建待处理任务
func NewVideoJob(scriptID, presenter string) *VideoJob {
	now := time.Now()
	return &VideoJob{
		ID:                uuid.NewString(),
		ScriptID:          scriptID,
		Status:            StatusPending,
		PresenterOverride: presenter,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// TransitionTo 校验并修改任务状态，同时维护开始/完成时间
func (j *VideoJob) TransitionTo(to Status) error {
	if !CanTransitionJob(j.Status, to) {
		return &TransitionError{Entity: "video job", ID: j.ID, From: j.Status, To: to}
	}
	now := time.Now()
	switch to {
	case StatusProcessing:
		j.StartedAt = &now
	case StatusCompleted, StatusFailed:
		j.CompletedAt = &now
	}
	j.Status = to
	return nil
}

// SetCompleted 设置为已完成状态
func (j *VideoJob) SetCompleted(videoURL, avatarUsed, externalJobID string, duration int) error {
	if err := j.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	j.VideoURL = videoURL
	j.AvatarUsed = avatarUsed
	j.ExternalJobID = externalJobID
	j.Duration = duration
	j.ErrorMessage = ""
	j.ErrorKind = ""
	return nil
}

// SetFailed 设置为失败状态，不保留任何视频地址
func (j *VideoJob) SetFailed(kind, message string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	j.VideoURL = ""
	j.ErrorKind = kind
	j.ErrorMessage = message
	return nil
}
