package store

import (
	"context"
	"errors"
	"time"

	"avatar-studio/app/model"

	"gorm.io/gorm"
)

// GormStore 基于 gorm 的存储，默认使用 sqlite
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) CreateScript(ctx context.Context, userID uint, title, content string) (*model.Script, error) {
	script := &model.Script{
		UserID:  userID,
		Title:   title,
		Content: content,
		Status:  model.StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(script).Error; err != nil {
		return nil, err
	}
	return script, nil
}

func (s *GormStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	var script model.Script
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&script).Error; err != nil {
		return nil, notFound(err)
	}
	return &script, nil
}

func (s *GormStore) ListScripts(ctx context.Context, userID uint) ([]model.Script, error) {
	var scripts []model.Script
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&scripts).Error
	return scripts, err
}

func (s *GormStore) DeleteScript(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&model.Script{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("script_id = ?", id).Delete(&model.VideoJob{}).Error
	})
}

func (s *GormStore) UpdateScriptStatus(ctx context.Context, id string, status model.Status) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var script model.Script
		if err := tx.Where("id = ?", id).First(&script).Error; err != nil {
			return notFound(err)
		}
		if err := checkScriptUpdate(&script, status); err != nil {
			return err
		}
		return tx.Model(&script).Update("status", status).Error
	})
}

func (s *GormStore) UpdateScriptVideoURL(ctx context.Context, id, url string, duration int) error {
	result := s.db.WithContext(ctx).Model(&model.Script{}).
		Where("id = ?", id).
		Updates(map[string]any{"video_url": url, "duration": duration})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateVideoJob(ctx context.Context, job *model.VideoJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Script{}).Where("id = ?", job.ScriptID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return tx.Create(job).Error
	})
}

func (s *GormStore) GetVideoJob(ctx context.Context, id string) (*model.VideoJob, error) {
	var job model.VideoJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (s *GormStore) ListVideoJobs(ctx context.Context, scriptID string) ([]model.VideoJob, error) {
	var jobs []model.VideoJob
	err := s.db.WithContext(ctx).
		Where("script_id = ?", scriptID).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) UpdateVideoJob(ctx context.Context, job *model.VideoJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.VideoJob
		if err := tx.Where("id = ?", job.ID).First(&current).Error; err != nil {
			return notFound(err)
		}
		if err := checkJobUpdate(&current, job); err != nil {
			return err
		}
		return tx.Save(job).Error
	})
}

func (s *GormStore) ClaimPendingJob(ctx context.Context) (*model.VideoJob, error) {
	var job model.VideoJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", model.StatusPending).
			Order("created_at ASC").First(&job).Error; err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&model.VideoJob{}).
			Where("id = ? AND status = ?", job.ID, model.StatusPending).
			Updates(map[string]any{"status": model.StatusProcessing, "started_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		job.Status = model.StatusProcessing
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (s *GormStore) FailInterruptedJobs(ctx context.Context, reason string) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scriptIDs []string
		if err := tx.Model(&model.VideoJob{}).
			Where("status = ?", model.StatusProcessing).
			Pluck("script_id", &scriptIDs).Error; err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&model.VideoJob{}).
			Where("status = ?", model.StatusProcessing).
			Updates(map[string]any{
				"status":        model.StatusFailed,
				"error_kind":    "UNKNOWN_ERROR",
				"error_message": reason,
				"completed_at":  now,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected

		if len(scriptIDs) == 0 {
			return nil
		}
		return tx.Model(&model.Script{}).
			Where("id IN ? AND status = ?", scriptIDs, model.StatusProcessing).
			Update("status", model.StatusFailed).Error
	})
	return affected, err
}

func (s *GormStore) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []model.Status{model.StatusCompleted, model.StatusFailed}, cutoff).
		Delete(&model.VideoJob{})
	return result.RowsAffected, result.Error
}

func (s *GormStore) CountJobsByStatus(ctx context.Context) (map[model.Status]int64, error) {
	counts := make(map[model.Status]int64)
	for _, status := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed} {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.VideoJob{}).Where("status = ?", status).Count(&count).Error; err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, nil
}
