package openaitts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"avatar-studio/app/config"
	"avatar-studio/app/pipeline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.OpenAIConfig{
		APIKey:         "sk-test",
		BaseURL:        srv.URL,
		Model:          "tts-1",
		Voice:          "alloy",
		ResponseFormat: "mp3",
		Timeout:        5,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSynthesize(t *testing.T) {
	var got speechRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	})

	speech, err := c.Synthesize(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(speech.Audio) != "ID3-fake-mp3" || speech.Format != "mp3" || speech.ContentType != "audio/mpeg" {
		t.Errorf("speech = %+v", speech)
	}
	if got.Input != "こんにちは" || got.Model != "tts-1" || got.Voice != "alloy" || got.ResponseFormat != "mp3" {
		t.Errorf("request = %+v", got)
	}
}

func TestSynthesizeKeepsBinaryBodyIntact(t *testing.T) {
	payload := []byte("ID3\x01\x02 \n\t")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	})

	speech, err := c.Synthesize(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !bytes.Equal(speech.Audio, payload) {
		t.Errorf("audio = %q (%d bytes), want %q (%d bytes)", speech.Audio, len(speech.Audio), payload, len(payload))
	}
}

func TestSynthesizeErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      pipeline.ErrorKind
		wantRetryable bool
	}{
		{"quota code", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, pipeline.KindCreditInsufficient, false},
		{"payment required", http.StatusPaymentRequired, `{}`, pipeline.KindCreditInsufficient, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, pipeline.KindOpenAI, true},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"internal"}}`, pipeline.KindOpenAI, true},
		{"bad gateway html", http.StatusBadGateway, `<html>bad gateway</html>`, pipeline.KindOpenAI, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"input too long","type":"invalid_request_error"}}`, pipeline.KindOpenAI, false},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key"}}`, pipeline.KindOpenAI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Synthesize(context.Background(), "text")
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := pipeline.KindOf(err); kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", kind, tt.wantKind)
			}
			if pipeline.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pipeline.IsRetryable(err), tt.wantRetryable)
			}
		})
	}
}

func TestSynthesizeEmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := c.Synthesize(context.Background(), "text")
	if pipeline.KindOf(err) != pipeline.KindOpenAI {
		t.Fatalf("err = %v", err)
	}
}

type fakeUploader struct {
	filename string
	data     []byte
}

func (f *fakeUploader) UploadAudio(ctx context.Context, filename string, data []byte) (string, error) {
	f.filename = filename
	f.data = data
	return "s3://d-id-audios/" + filename, nil
}

func TestSynthesizerUploads(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio-bytes"))
	})
	uploader := &fakeUploader{}

	ref, err := NewSynthesizer(c, uploader).Synthesize(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !strings.HasPrefix(uploader.filename, "speech-") || !strings.HasSuffix(uploader.filename, ".mp3") {
		t.Errorf("filename = %q", uploader.filename)
	}
	if string(uploader.data) != "audio-bytes" || ref != "s3://d-id-audios/"+uploader.filename {
		t.Errorf("ref = %q data = %q", ref, uploader.data)
	}
}
