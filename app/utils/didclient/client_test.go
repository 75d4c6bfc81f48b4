package didclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"avatar-studio/app/config"
	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.DIDConfig{
		APIKey:          "dXNlcjpwYXNz",
		BaseURL:         srv.URL,
		Timeout:         5,
		PollInterval:    1,
		PollMaxAttempts: 3,
		TextVoice:       "ja-JP-NanamiNeural",
		Stitch:          true,
	}, logger.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestStartJobAudio(t *testing.T) {
	var got createTalkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/talks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Basic dXNlcjpwYXNz" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, `{"id":"tlk_123","status":"created"}`)
	})

	id, err := c.StartJob(context.Background(), pipeline.AvatarInput{AudioRef: "s3://audio.mp3"}, "https://img/a.jpg")
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if id != "tlk_123" {
		t.Errorf("id = %q", id)
	}
	if got.SourceURL != "https://img/a.jpg" || got.Script.Type != "audio" || got.Script.AudioURL != "s3://audio.mp3" || !got.Config.Stitch {
		t.Errorf("request = %+v", got)
	}
}

func TestStartJobText(t *testing.T) {
	var got createTalkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, `{"id":"tlk_txt"}`)
	})

	if _, err := c.StartJob(context.Background(), pipeline.AvatarInput{Text: "こんにちは"}, "https://img/a.jpg"); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if got.Script.Type != "text" || got.Script.Input != "こんにちは" || got.Script.Provider == nil || got.Script.Provider.VoiceID != "ja-JP-NanamiNeural" {
		t.Errorf("request = %+v", got.Script)
	}

	if _, err := c.StartJob(context.Background(), pipeline.AvatarInput{}, "https://img/a.jpg"); err == nil || pipeline.IsRetryable(err) {
		t.Errorf("empty input error = %v", err)
	}
}

func TestStartJobErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      pipeline.ErrorKind
		wantRetryable bool
	}{
		{"insufficient credits", http.StatusPaymentRequired, `{"kind":"InsufficientCreditsError","description":"not enough credits"}`, pipeline.KindCreditInsufficient, false},
		{"credit kind on 403", http.StatusForbidden, `{"kind":"InsufficientCreditsError"}`, pipeline.KindCreditInsufficient, false},
		{"bad request", http.StatusBadRequest, `{"kind":"ValidationError","description":"invalid source_url"}`, pipeline.KindDID, false},
		{"rate limited", http.StatusTooManyRequests, `{"kind":"TooManyRequests"}`, pipeline.KindDID, true},
		{"server error", http.StatusServiceUnavailable, `upstream unavailable`, pipeline.KindDID, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.StartJob(context.Background(), pipeline.AvatarInput{AudioRef: "s3://a"}, "https://img/a.jpg")
			if kind := pipeline.KindOf(err); kind != tt.wantKind {
				t.Errorf("kind = %s, want %s (err %v)", kind, tt.wantKind, err)
			}
			if pipeline.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pipeline.IsRetryable(err), tt.wantRetryable)
			}
		})
	}
}

// talkServer 按顺序返回 responses，用尽后重复最后一条
func talkServer(t *testing.T, responses []string) (*Client, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/talks/") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		i := int(polls.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		if responses[i] == "500" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, responses[i])
	})
	return c, &polls
}

func TestWaitForCompletion(t *testing.T) {
	tests := []struct {
		name          string
		responses     []string
		wantURL       string
		wantPolls     int32
		wantErr       string
		wantRetryable bool
	}{
		{
			name: "done after processing",
			responses: []string{
				`{"id":"tlk_1","status":"created"}`,
				`{"id":"tlk_1","status":"started"}`,
				`{"id":"tlk_1","status":"done","result_url":"https://cdn/video.mp4"}`,
			},
			wantURL:   "https://cdn/video.mp4",
			wantPolls: 3,
		},
		{
			name:      "transient poll failure continues",
			responses: []string{"500", `{"id":"tlk_1","status":"done","result_url":"https://cdn/v.mp4"}`},
			wantURL:   "https://cdn/v.mp4",
			wantPolls: 2,
		},
		{
			name:      "job error is permanent",
			responses: []string{`{"id":"tlk_1","status":"error","error":{"kind":"FaceError","description":"face not detected"}}`},
			wantPolls: 1,
			wantErr:   "face not detected",
		},
		{
			name:      "rejected is permanent",
			responses: []string{`{"id":"tlk_1","status":"rejected"}`},
			wantPolls: 1,
			wantErr:   "talk rejected",
		},
		{
			name:          "timeout is retryable",
			responses:     []string{`{"id":"tlk_1","status":"started"}`},
			wantPolls:     4,
			wantErr:       "talk timed out",
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, polls := talkServer(t, tt.responses)

			url, err := c.WaitForCompletionWith(context.Background(), "tlk_1", 4, time.Millisecond)
			if polls.Load() != tt.wantPolls {
				t.Errorf("polls = %d, want %d", polls.Load(), tt.wantPolls)
			}
			if tt.wantErr == "" {
				if err != nil || url != tt.wantURL {
					t.Fatalf("WaitForCompletion() = %q, %v", url, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if pipeline.KindOf(err) != pipeline.KindDID {
				t.Errorf("kind = %s", pipeline.KindOf(err))
			}
			if pipeline.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pipeline.IsRetryable(err), tt.wantRetryable)
			}
		})
	}
}

func TestWaitForCompletionCancelled(t *testing.T) {
	c, _ := talkServer(t, []string{`{"id":"tlk_1","status":"started"}`})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitForCompletionWith(ctx, "tlk_1", 100, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadAudio(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audios" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "speech.mp3" || string(data) != "mp3-bytes" {
			t.Errorf("upload = %s %q", header.Filename, data)
		}
		writeJSON(w, http.StatusCreated, `{"url":"s3://d-id-audios-prod/speech.mp3"}`)
	})

	url, err := c.UploadAudio(context.Background(), "speech.mp3", []byte("mp3-bytes"))
	if err != nil || url != "s3://d-id-audios-prod/speech.mp3" {
		t.Fatalf("UploadAudio() = %q, %v", url, err)
	}
}
