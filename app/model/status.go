package model

import "fmt"

// Status 脚本与视频任务共用的状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 视频任务只能单向推进
var jobTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true, // 开始前脚本已被删除或进程重启
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// 脚本跟随最新的视频任务；终态只能通过用户重新生成回到 processing
var scriptTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {
		StatusProcessing: true,
	},
	StatusFailed: {
		StatusProcessing: true,
	},
}

func IsKnownStatus(status Status) bool {
	_, ok := jobTransitions[status]
	return ok
}

// CanTransitionJob 判断视频任务状态是否允许迁移
func CanTransitionJob(from, to Status) bool {
	return jobTransitions[from][to]
}

// CanTransitionScript 判断脚本状态是否允许迁移，相同状态视为幂等
func CanTransitionScript(from, to Status) bool {
	if from == to {
		return IsKnownStatus(from)
	}
	return scriptTransitions[from][to]
}

// TransitionError 非法状态迁移
type TransitionError struct {
	Entity string
	ID     string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition: %q -> %q (id=%s)", e.Entity, e.From, e.To, e.ID)
}
