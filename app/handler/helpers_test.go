package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"avatar-studio/app/middleware"
	"avatar-studio/app/model"
	"avatar-studio/app/pipeline"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// asUser 代替 JWT 中间件注入当前用户
func asUser(id uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, id)
		c.Next()
	}
}

type apiResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, apiResult) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var res apiResult
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, res
}

func decodeData[T any](t *testing.T, res apiResult) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(res.Data, &v); err != nil {
		t.Fatalf("decode data %s: %v", res.Data, err)
	}
	return v
}

type fakeGenerator struct {
	result *pipeline.Result
	err    error
	calls  []pipeline.GenerateOptions
}

func (f *fakeGenerator) Generate(ctx context.Context, scriptID string, opts pipeline.GenerateOptions) (*pipeline.Result, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.ScriptID = scriptID
	return &res, nil
}

type fakeEnqueuer struct {
	err        error
	presenters []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, scriptID, presenter string) (*model.VideoJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.presenters = append(f.presenters, presenter)
	return model.NewVideoJob(scriptID, presenter), nil
}

type fakePoster struct {
	path     string
	imageURL string
}

func (f *fakePoster) Render(ctx context.Context, script *model.Script, imageURL string) (string, error) {
	f.imageURL = imageURL
	return f.path, nil
}

func httptestRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
