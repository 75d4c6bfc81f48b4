package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"avatar-studio/app/model"

	"github.com/google/uuid"
)

// MemoryStore 进程内存储，CLI 和测试使用
type MemoryStore struct {
	mu      sync.RWMutex
	scripts map[string]*model.Script
	jobs    map[string]*model.VideoJob
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts: make(map[string]*model.Script),
		jobs:    make(map[string]*model.VideoJob),
	}
}

func (s *MemoryStore) CreateScript(ctx context.Context, userID uint, title, content string) (*model.Script, error) {
	now := time.Now()
	script := &model.Script{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Content:   content,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.scripts[script.ID] = script
	s.mu.Unlock()

	clone := *script
	return &clone, nil
}

func (s *MemoryStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	script, ok := s.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *script
	return &clone, nil
}

func (s *MemoryStore) ListScripts(ctx context.Context, userID uint) ([]model.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Script, 0)
	for _, script := range s.scripts {
		if script.UserID == userID {
			out = append(out, *script)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteScript(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[id]; !ok {
		return ErrNotFound
	}
	delete(s.scripts, id)
	for jobID, job := range s.jobs {
		if job.ScriptID == id {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

func (s *MemoryStore) UpdateScriptStatus(ctx context.Context, id string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkScriptUpdate(script, status); err != nil {
		return err
	}
	script.Status = status
	script.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateScriptVideoURL(ctx context.Context, id, url string, duration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[id]
	if !ok {
		return ErrNotFound
	}
	script.VideoURL = url
	script.Duration = duration
	script.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateVideoJob(ctx context.Context, job *model.VideoJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[job.ScriptID]; !ok {
		return ErrNotFound
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) GetVideoJob(ctx context.Context, id string) (*model.VideoJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStore) ListVideoJobs(ctx context.Context, scriptID string) ([]model.VideoJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.VideoJob, 0)
	for _, job := range s.jobs {
		if job.ScriptID == scriptID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateVideoJob(ctx context.Context, job *model.VideoJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkJobUpdate(current, job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) ClaimPendingJob(ctx context.Context) (*model.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.VideoJob
	for _, job := range s.jobs {
		if job.Status != model.StatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	if err := oldest.TransitionTo(model.StatusProcessing); err != nil {
		return nil, err
	}
	oldest.UpdatedAt = time.Now()
	clone := *oldest
	return &clone, nil
}

func (s *MemoryStore) FailInterruptedJobs(ctx context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, job := range s.jobs {
		if job.Status != model.StatusProcessing {
			continue
		}
		if err := job.SetFailed("UNKNOWN_ERROR", reason); err != nil {
			continue
		}
		if script, ok := s.scripts[job.ScriptID]; ok && script.Status == model.StatusProcessing {
			script.Status = model.StatusFailed
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountJobsByStatus(ctx context.Context) (map[model.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[model.Status]int64{
		model.StatusPending:    0,
		model.StatusProcessing: 0,
		model.StatusCompleted:  0,
		model.StatusFailed:     0,
	}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
