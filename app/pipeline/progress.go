package pipeline

import (
	"sync"
	"time"
)

// Step 生成流程所处的阶段
type Step string

const (
	// StepQueued 任务已创建但尚未开始执行, 仅用于任务状态的快照
	StepQueued          Step = "QUEUED"
	StepValidating      Step = "VALIDATING"
	StepGeneratingAudio Step = "GENERATING_AUDIO"
	StepGeneratingVideo Step = "GENERATING_VIDEO"
	StepCompleted       Step = "COMPLETED"
	StepError           Step = "ERROR"
)

// stepOrder 各阶段的先后顺序，ERROR 不参与排序
var stepOrder = map[Step]int{
	StepValidating:      0,
	StepGeneratingAudio: 1,
	StepGeneratingVideo: 2,
	StepCompleted:       3,
}

var stepPercent = map[Step]int{
	StepValidating:      10,
	StepGeneratingAudio: 30,
	StepGeneratingVideo: 70,
	StepCompleted:       100,
}

// Percent 阶段对应的进度百分比
func (s Step) Percent() int {
	return stepPercent[s]
}

// IsTerminal 是否为终态
func (s Step) IsTerminal() bool {
	return s == StepCompleted || s == StepError
}

// ProgressState 推送给观察者的进度快照
type ProgressState struct {
	JobID           string    `json:"job_id"`
	ScriptID        string    `json:"script_id"`
	CurrentStep     Step      `json:"current_step"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	At              time.Time `json:"at"`
}

// ProgressReporter 进度观察者，不影响流程结果
type ProgressReporter interface {
	OnProgress(state ProgressState)
}

// ReporterFunc 函数适配器
type ReporterFunc func(state ProgressState)

func (f ReporterFunc) OnProgress(state ProgressState) {
	f(state)
}

// MultiReporter 依次通知多个观察者，忽略 nil
type MultiReporter []ProgressReporter

func (m MultiReporter) OnProgress(state ProgressState) {
	for _, r := range m {
		if r != nil {
			r.OnProgress(state)
		}
	}
}

// progressTracker 保证单次运行中的事件单调前进，只允许一次跳到 ERROR
type progressTracker struct {
	mu       sync.Mutex
	jobID    string
	scriptID string
	reporter ProgressReporter
	current  Step
	percent  int
	started  bool
}

func newProgressTracker(jobID, scriptID string, reporter ProgressReporter) *progressTracker {
	return &progressTracker{jobID: jobID, scriptID: scriptID, reporter: reporter}
}

// advance 进入下一个阶段；重复或倒退的阶段被忽略
func (t *progressTracker) advance(step Step, message string) {
	t.mu.Lock()
	if t.current.IsTerminal() || (t.started && stepOrder[step] <= stepOrder[t.current]) {
		t.mu.Unlock()
		return
	}
	t.current = step
	t.percent = step.Percent()
	t.started = true
	state := t.snapshot(message)
	t.mu.Unlock()

	t.emit(state)
}

// fail 从任意非终态进入 ERROR，进度停留在最后到达的阶段
func (t *progressTracker) fail(err error) {
	t.mu.Lock()
	if t.current.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.current = StepError
	t.started = true
	classified := Classify(err)
	state := t.snapshot(UserMessage(err))
	state.Error = UserMessage(err)
	state.ErrorKind = classified.Kind
	t.mu.Unlock()

	t.emit(state)
}

func (t *progressTracker) step() Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *progressTracker) snapshot(message string) ProgressState {
	return ProgressState{
		JobID:           t.jobID,
		ScriptID:        t.scriptID,
		CurrentStep:     t.current,
		ProgressPercent: t.percent,
		Message:         message,
		At:              time.Now(),
	}
}

// emit 观察者 panic 时吞掉，保证流程不受影响
func (t *progressTracker) emit(state ProgressState) {
	if t.reporter == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	t.reporter.OnProgress(state)
}
