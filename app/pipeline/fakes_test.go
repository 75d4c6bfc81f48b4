package pipeline

import (
	"context"
	"sync"
)

type speechCall struct {
	ref string
	err error
}

// fakeSpeech 按顺序返回预设结果，用尽后重复最后一个
type fakeSpeech struct {
	mu      sync.Mutex
	results []speechCall
	calls   int
	texts   []string
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.texts = append(f.texts, text)
	i := f.calls
	f.calls++
	if len(f.results) == 0 {
		return "https://audio.example.com/speech.mp3", nil
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].ref, f.results[i].err
}

func (f *fakeSpeech) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// avatarBehavior 某张图片的行为；startErr 优先
type avatarBehavior struct {
	startErr  error
	waitErr   error
	resultURL string
}

// fakeAvatar 按图片返回预设行为，并记录调用顺序
type fakeAvatar struct {
	mu        sync.Mutex
	behaviors map[string]avatarBehavior
	jobs      map[string]string
	starts    []string
	inputs    []AvatarInput
}

func newFakeAvatar(behaviors map[string]avatarBehavior) *fakeAvatar {
	return &fakeAvatar{behaviors: behaviors, jobs: make(map[string]string)}
}

func (f *fakeAvatar) StartJob(ctx context.Context, input AvatarInput, presenter string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, presenter)
	f.inputs = append(f.inputs, input)
	b := f.behaviors[presenter]
	if b.startErr != nil {
		return "", b.startErr
	}
	jobID := "tlk_" + presenter
	f.jobs[jobID] = presenter
	return jobID, nil
}

func (f *fakeAvatar) WaitForCompletion(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.behaviors[f.jobs[jobID]]
	if b.waitErr != nil {
		return "", b.waitErr
	}
	return b.resultURL, nil
}

func (f *fakeAvatar) startsFor(presenter string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, p := range f.starts {
		if p == presenter {
			n++
		}
	}
	return n
}

// recorder 收集进度事件
type recorder struct {
	mu     sync.Mutex
	states []ProgressState
}

func (r *recorder) OnProgress(state ProgressState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Step, len(r.states))
	for i, s := range r.states {
		out[i] = s.CurrentStep
	}
	return out
}

func (r *recorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, len(r.states))
	for i, s := range r.states {
		out[i] = s.ProgressPercent
	}
	return out
}
