package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"avatar-studio/app/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newGormTestStore(t *testing.T) Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&model.Script{}, &model.VideoJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGormStore(db)
}

// forEachStore 对所有实现执行同一组用例，Supabase 走内存版 PostgREST
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("gorm", func(t *testing.T) { fn(t, newGormTestStore(t)) })
	t.Run("supabase", func(t *testing.T) { fn(t, newSupabaseTestStore(t, newFakePostgREST())) })
}

func mustScript(t *testing.T, s Store, userID uint) *model.Script {
	t.Helper()
	script, err := s.CreateScript(context.Background(), userID, "講義", "これはテスト用の講義原稿です。")
	if err != nil {
		t.Fatalf("CreateScript() error = %v", err)
	}
	return script
}

func mustJob(t *testing.T, s Store, scriptID string, createdAt time.Time) *model.VideoJob {
	t.Helper()
	job := model.NewVideoJob(scriptID, "")
	job.CreatedAt = createdAt
	if err := s.CreateVideoJob(context.Background(), job); err != nil {
		t.Fatalf("CreateVideoJob() error = %v", err)
	}
	return job
}

func TestScriptCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustScript(t, s, 1)
		mustScript(t, s, 2)

		got, err := s.GetScript(ctx, a.ID)
		if err != nil || got.Title != "講義" || got.Status != model.StatusPending {
			t.Fatalf("GetScript() = %+v, %v", got, err)
		}

		list, err := s.ListScripts(ctx, 1)
		if err != nil || len(list) != 1 || list[0].ID != a.ID {
			t.Fatalf("ListScripts(1) = %v, %v", list, err)
		}

		if err := s.UpdateScriptVideoURL(ctx, a.ID, "https://cdn/video.mp4", 7); err != nil {
			t.Fatalf("UpdateScriptVideoURL() error = %v", err)
		}
		got, _ = s.GetScript(ctx, a.ID)
		if got.VideoURL != "https://cdn/video.mp4" || got.Duration != 7 {
			t.Errorf("script = %+v", got)
		}

		mustJob(t, s, a.ID, time.Now())
		if err := s.DeleteScript(ctx, a.ID); err != nil {
			t.Fatalf("DeleteScript() error = %v", err)
		}
		if _, err := s.GetScript(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetScript() after delete error = %v", err)
		}
		if jobs, _ := s.ListVideoJobs(ctx, a.ID); len(jobs) != 0 {
			t.Errorf("jobs left after delete: %d", len(jobs))
		}
		if err := s.DeleteScript(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteScript() error = %v", err)
		}
	})
}

func TestScriptStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		script := mustScript(t, s, 1)

		for _, to := range []model.Status{model.StatusProcessing, model.StatusCompleted, model.StatusProcessing, model.StatusFailed} {
			if err := s.UpdateScriptStatus(ctx, script.ID, to); err != nil {
				t.Fatalf("UpdateScriptStatus(%s) error = %v", to, err)
			}
		}

		err := s.UpdateScriptStatus(ctx, script.ID, model.StatusPending)
		var te *model.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("backward move error = %v, want TransitionError", err)
		}
		if err := s.UpdateScriptStatus(ctx, "missing", model.StatusProcessing); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing script error = %v", err)
		}
	})
}

func TestVideoJobTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		script := mustScript(t, s, 1)
		job := mustJob(t, s, script.ID, time.Now())

		if err := s.CreateVideoJob(ctx, model.NewVideoJob("missing", "")); !errors.Is(err, ErrNotFound) {
			t.Errorf("CreateVideoJob() for missing script error = %v", err)
		}

		skipped := *job
		skipped.Status = model.StatusCompleted
		var te *model.TransitionError
		if err := s.UpdateVideoJob(ctx, &skipped); !errors.As(err, &te) {
			t.Fatalf("pending -> completed error = %v", err)
		}

		if err := job.TransitionTo(model.StatusProcessing); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateVideoJob(ctx, job); err != nil {
			t.Fatalf("UpdateVideoJob(processing) error = %v", err)
		}
		if err := job.SetCompleted("https://cdn/video.mp4", "https://img/a.jpg", "tlk_1", 9); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateVideoJob(ctx, job); err != nil {
			t.Fatalf("UpdateVideoJob(completed) error = %v", err)
		}

		saved, err := s.GetVideoJob(ctx, job.ID)
		if err != nil || saved.Status != model.StatusCompleted || saved.AvatarUsed != "https://img/a.jpg" {
			t.Fatalf("GetVideoJob() = %+v, %v", saved, err)
		}

		back := *saved
		back.Status = model.StatusProcessing
		if err := s.UpdateVideoJob(ctx, &back); !errors.As(err, &te) {
			t.Errorf("completed -> processing error = %v", err)
		}
	})
}

func TestClaimPendingJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		script := mustScript(t, s, 1)
		now := time.Now()
		newer := mustJob(t, s, script.ID, now)
		older := mustJob(t, s, script.ID, now.Add(-time.Minute))

		first, err := s.ClaimPendingJob(ctx)
		if err != nil || first.ID != older.ID || first.Status != model.StatusProcessing {
			t.Fatalf("first claim = %+v, %v", first, err)
		}
		second, err := s.ClaimPendingJob(ctx)
		if err != nil || second.ID != newer.ID {
			t.Fatalf("second claim = %+v, %v", second, err)
		}
		if _, err := s.ClaimPendingJob(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("empty claim error = %v", err)
		}

		saved, _ := s.GetVideoJob(ctx, older.ID)
		if saved.Status != model.StatusProcessing || saved.StartedAt == nil {
			t.Errorf("claimed job = %+v", saved)
		}
	})
}

func TestFailInterruptedJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		script := mustScript(t, s, 1)
		idle := mustScript(t, s, 1)
		mustJob(t, s, script.ID, time.Now())
		pending := mustJob(t, s, idle.ID, time.Now().Add(time.Second))

		if err := s.UpdateScriptStatus(ctx, script.ID, model.StatusProcessing); err != nil {
			t.Fatal(err)
		}
		claimed, err := s.ClaimPendingJob(ctx)
		if err != nil {
			t.Fatal(err)
		}

		n, err := s.FailInterruptedJobs(ctx, "interrupted")
		if err != nil || n != 1 {
			t.Fatalf("FailInterruptedJobs() = %d, %v", n, err)
		}

		job, _ := s.GetVideoJob(ctx, claimed.ID)
		if job.Status != model.StatusFailed || job.ErrorMessage != "interrupted" || job.CompletedAt == nil {
			t.Errorf("interrupted job = %+v", job)
		}
		if got, _ := s.GetScript(ctx, script.ID); got.Status != model.StatusFailed {
			t.Errorf("script status = %s", got.Status)
		}
		if got, _ := s.GetVideoJob(ctx, pending.ID); got.Status != model.StatusPending {
			t.Errorf("pending job touched: %s", got.Status)
		}
	})
}

func TestPurgeAndCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		script := mustScript(t, s, 1)

		old := mustJob(t, s, script.ID, time.Now().Add(-72*time.Hour))
		if err := old.TransitionTo(model.StatusProcessing); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateVideoJob(ctx, old); err != nil {
			t.Fatal(err)
		}
		if err := old.SetFailed("DID_ERROR", "rejected"); err != nil {
			t.Fatal(err)
		}
		longAgo := time.Now().Add(-48 * time.Hour)
		old.CompletedAt = &longAgo
		if err := s.UpdateVideoJob(ctx, old); err != nil {
			t.Fatal(err)
		}
		mustJob(t, s, script.ID, time.Now())

		counts, err := s.CountJobsByStatus(ctx)
		if err != nil || counts[model.StatusFailed] != 1 || counts[model.StatusPending] != 1 {
			t.Fatalf("CountJobsByStatus() = %v, %v", counts, err)
		}

		purged, err := s.PurgeJobsBefore(ctx, time.Now().Add(-24*time.Hour))
		if err != nil || purged != 1 {
			t.Fatalf("PurgeJobsBefore() = %d, %v", purged, err)
		}
		if _, err := s.GetVideoJob(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("purged job still present: %v", err)
		}
	})
}
