package store

import (
	"context"
	"fmt"
	"time"

	"avatar-studio/app/model"

	"github.com/google/uuid"
	postgrest "github.com/supabase-community/postgrest-go"
)

const (
	scriptsTable   = "scripts"
	videoJobsTable = "video_jobs"
)

// SupabaseStore 通过 PostgREST 访问 Supabase 上的同名表
type SupabaseStore struct {
	client *postgrest.Client
}

var _ Store = (*SupabaseStore)(nil)

// NewSupabaseStore 使用 service key 创建客户端
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client := postgrest.NewClient(supabaseURL+"/rest/v1", "", map[string]string{
		"apikey":        serviceKey,
		"Authorization": fmt.Sprintf("Bearer %s", serviceKey),
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("初始化 Supabase 客户端失败: %w", client.ClientError)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) CreateScript(ctx context.Context, userID uint, title, content string) (*model.Script, error) {
	now := time.Now()
	script := model.Script{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Content:   content,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var rows []model.Script
	if _, err := s.client.From(scriptsTable).Insert(script, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("插入脚本失败: %w", err)
	}
	if len(rows) == 0 {
		return &script, nil
	}
	return &rows[0], nil
}

func (s *SupabaseStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	var rows []model.Script
	if _, err := s.client.From(scriptsTable).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("查询脚本失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (s *SupabaseStore) ListScripts(ctx context.Context, userID uint) ([]model.Script, error) {
	var rows []model.Script
	_, err := s.client.From(scriptsTable).
		Select("*", "", false).
		Eq("user_id", fmt.Sprint(userID)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("查询脚本列表失败: %w", err)
	}
	return rows, nil
}

func (s *SupabaseStore) DeleteScript(ctx context.Context, id string) error {
	if _, _, err := s.client.From(videoJobsTable).Delete("", "").Eq("script_id", id).Execute(); err != nil {
		return fmt.Errorf("删除视频任务失败: %w", err)
	}

	var rows []model.Script
	if _, err := s.client.From(scriptsTable).Delete("representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return fmt.Errorf("删除脚本失败: %w", err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateScriptStatus 以当前状态作为条件更新，避免并发覆盖
func (s *SupabaseStore) UpdateScriptStatus(ctx context.Context, id string, status model.Status) error {
	current, err := s.GetScript(ctx, id)
	if err != nil {
		return err
	}
	if err := checkScriptUpdate(current, status); err != nil {
		return err
	}

	var rows []model.Script
	_, err = s.client.From(scriptsTable).
		Update(map[string]any{"status": status, "updated_at": time.Now()}, "representation", "").
		Eq("id", id).
		Eq("status", string(current.Status)).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("更新脚本状态失败: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("脚本 %s 状态已被并发修改", id)
	}
	return nil
}

func (s *SupabaseStore) UpdateScriptVideoURL(ctx context.Context, id, url string, duration int) error {
	var rows []model.Script
	_, err := s.client.From(scriptsTable).
		Update(map[string]any{"video_url": url, "duration": duration, "updated_at": time.Now()}, "representation", "").
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("更新视频地址失败: %w", err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) CreateVideoJob(ctx context.Context, job *model.VideoJob) error {
	if _, err := s.GetScript(ctx, job.ScriptID); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt

	if _, _, err := s.client.From(videoJobsTable).Insert(jobRow(job), false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("插入视频任务失败: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetVideoJob(ctx context.Context, id string) (*model.VideoJob, error) {
	var rows []model.VideoJob
	if _, err := s.client.From(videoJobsTable).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("查询视频任务失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (s *SupabaseStore) ListVideoJobs(ctx context.Context, scriptID string) ([]model.VideoJob, error) {
	var rows []model.VideoJob
	_, err := s.client.From(videoJobsTable).
		Select("*", "", false).
		Eq("script_id", scriptID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("查询视频任务列表失败: %w", err)
	}
	return rows, nil
}

func (s *SupabaseStore) UpdateVideoJob(ctx context.Context, job *model.VideoJob) error {
	current, err := s.GetVideoJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := checkJobUpdate(current, job); err != nil {
		return err
	}

	job.UpdatedAt = time.Now()
	var rows []model.VideoJob
	_, err = s.client.From(videoJobsTable).
		Update(jobRow(job), "representation", "").
		Eq("id", job.ID).
		Eq("status", string(current.Status)).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("更新视频任务失败: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("视频任务 %s 状态已被并发修改", job.ID)
	}
	return nil
}

func (s *SupabaseStore) ClaimPendingJob(ctx context.Context) (*model.VideoJob, error) {
	var pending []model.VideoJob
	_, err := s.client.From(videoJobsTable).
		Select("*", "", false).
		Eq("status", string(model.StatusPending)).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(1, "").
		ExecuteTo(&pending)
	if err != nil {
		return nil, fmt.Errorf("查询待处理任务失败: %w", err)
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}

	now := time.Now()
	var claimed []model.VideoJob
	_, err = s.client.From(videoJobsTable).
		Update(map[string]any{"status": model.StatusProcessing, "started_at": now, "updated_at": now}, "representation", "").
		Eq("id", pending[0].ID).
		Eq("status", string(model.StatusPending)).
		ExecuteTo(&claimed)
	if err != nil {
		return nil, fmt.Errorf("认领任务失败: %w", err)
	}
	// 被其他实例抢先认领
	if len(claimed) == 0 {
		return nil, ErrNotFound
	}
	return &claimed[0], nil
}

func (s *SupabaseStore) FailInterruptedJobs(ctx context.Context, reason string) (int64, error) {
	now := time.Now()
	var rows []model.VideoJob
	_, err := s.client.From(videoJobsTable).
		Update(map[string]any{
			"status":        model.StatusFailed,
			"error_kind":    "UNKNOWN_ERROR",
			"error_message": reason,
			"completed_at":  now,
			"updated_at":    now,
		}, "representation", "").
		Eq("status", string(model.StatusProcessing)).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("标记中断任务失败: %w", err)
	}

	for _, job := range rows {
		_, _, err := s.client.From(scriptsTable).
			Update(map[string]any{"status": model.StatusFailed, "updated_at": now}, "minimal", "").
			Eq("id", job.ScriptID).
			Eq("status", string(model.StatusProcessing)).
			Execute()
		if err != nil {
			return int64(len(rows)), fmt.Errorf("更新脚本状态失败: %w", err)
		}
	}
	return int64(len(rows)), nil
}

func (s *SupabaseStore) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var rows []model.VideoJob
	_, err := s.client.From(videoJobsTable).
		Delete("representation", "").
		In("status", []string{string(model.StatusCompleted), string(model.StatusFailed)}).
		Lt("completed_at", cutoff.UTC().Format(time.RFC3339)).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("清理视频任务失败: %w", err)
	}
	return int64(len(rows)), nil
}

func (s *SupabaseStore) CountJobsByStatus(ctx context.Context) (map[model.Status]int64, error) {
	counts := make(map[model.Status]int64)
	for _, status := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed} {
		_, count, err := s.client.From(videoJobsTable).
			Select("id", "exact", true).
			Eq("status", string(status)).
			Execute()
		if err != nil {
			return nil, fmt.Errorf("统计视频任务失败: %w", err)
		}
		counts[status] = count
	}
	return counts, nil
}

// jobRow 显式列出所有列，清空字段时也会写入
func jobRow(job *model.VideoJob) map[string]any {
	return map[string]any{
		"id":                 job.ID,
		"script_id":          job.ScriptID,
		"status":             job.Status,
		"video_url":          job.VideoURL,
		"avatar_used":        job.AvatarUsed,
		"presenter_override": job.PresenterOverride,
		"external_job_id":    job.ExternalJobID,
		"error_message":      job.ErrorMessage,
		"error_kind":         job.ErrorKind,
		"duration":           job.Duration,
		"created_at":         job.CreatedAt,
		"updated_at":         job.UpdatedAt,
		"started_at":         job.StartedAt,
		"completed_at":       job.CompletedAt,
	}
}
