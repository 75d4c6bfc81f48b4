package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"

	"github.com/gorilla/websocket"
)

func progressState(jobID string, step pipeline.Step) pipeline.ProgressState {
	return pipeline.ProgressState{
		JobID:           jobID,
		ScriptID:        "script-1",
		CurrentStep:     step,
		ProgressPercent: step.Percent(),
		Message:         strings.ToLower(string(step)),
		At:              time.Now(),
	}
}

// dialHub 启动一个把连接交给 hub 的测试服务并拨号
func dialHub(t *testing.T, hub *ProgressHub, jobID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Attach(jobID, conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestProgressHubLatest(t *testing.T) {
	hub := NewProgressHub(logger.NewNop())

	if _, ok := hub.Latest("job-1"); ok {
		t.Fatal("expected no snapshot")
	}

	hub.OnProgress(progressState("job-1", pipeline.StepGeneratingAudio))
	hub.OnProgress(progressState("job-1", pipeline.StepGeneratingVideo))

	got, ok := hub.Latest("job-1")
	if !ok || got.CurrentStep != pipeline.StepGeneratingVideo || got.ProgressPercent != 70 {
		t.Errorf("Latest() = %+v, %v", got, ok)
	}
}

func TestProgressHubStreamsUntilTerminal(t *testing.T) {
	hub := NewProgressHub(logger.NewNop())
	conn := dialHub(t, hub, "job-1")

	eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, "subscriber registered")

	hub.OnProgress(progressState("job-2", pipeline.StepValidating))
	hub.OnProgress(progressState("job-1", pipeline.StepGeneratingVideo))
	hub.OnProgress(progressState("job-1", pipeline.StepCompleted))

	var got pipeline.ProgressState
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.JobID != "job-1" || got.CurrentStep != pipeline.StepGeneratingVideo {
		t.Errorf("first message = %+v", got)
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.CurrentStep != pipeline.StepCompleted || got.ProgressPercent != 100 {
		t.Errorf("second message = %+v", got)
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, "subscriber removed")
}

func TestProgressHubReplaysTerminalSnapshot(t *testing.T) {
	hub := NewProgressHub(logger.NewNop())
	failed := progressState("job-1", pipeline.StepError)
	failed.ProgressPercent = 70
	failed.Error = "all avatars failed"
	failed.ErrorKind = pipeline.KindDID
	hub.OnProgress(failed)

	conn := dialHub(t, hub, "job-1")

	var got pipeline.ProgressState
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.CurrentStep != pipeline.StepError || got.ProgressPercent != 70 || got.ErrorKind != pipeline.KindDID {
		t.Errorf("snapshot = %+v", got)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if hub.Subscribers("job-1") != 0 {
		t.Errorf("terminal job should not keep subscribers")
	}
}

// 订阅与进度推送并发时，订阅者必须收到终态且顺序不倒退
func TestProgressHubAttachDuringBroadcast(t *testing.T) {
	for i := 0; i < 20; i++ {
		hub := NewProgressHub(logger.NewNop())
		hub.OnProgress(progressState("job-1", pipeline.StepValidating))

		go func() {
			for _, step := range []pipeline.Step{pipeline.StepGeneratingAudio, pipeline.StepGeneratingVideo, pipeline.StepCompleted} {
				hub.OnProgress(progressState("job-1", step))
			}
		}()
		conn := dialHub(t, hub, "job-1")

		last := -1
		var got pipeline.ProgressState
		for {
			if err := conn.ReadJSON(&got); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.Fatalf("round %d: read: %v", i, err)
				}
				break
			}
			if got.ProgressPercent < last {
				t.Fatalf("round %d: progress went back from %d to %d", i, last, got.ProgressPercent)
			}
			last = got.ProgressPercent
		}
		if got.CurrentStep != pipeline.StepCompleted {
			t.Fatalf("round %d: last state = %+v, want COMPLETED", i, got)
		}
	}
}
