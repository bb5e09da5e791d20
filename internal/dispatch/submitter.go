package dispatch

import "context"

// TaskState is a task lifecycle state reported by a submitter.
type TaskState string

// Task states. FINISHED, FAILED, LOST and KILLED are terminal.
const (
	TaskStaging  TaskState = "STAGING"
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
	TaskFailed   TaskState = "FAILED"
	TaskLost     TaskState = "LOST"
	TaskKilled   TaskState = "KILLED"
)

// Terminal reports whether no further update follows.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskLost, TaskKilled:
		return true
	}
	return false
}

// Succeeded reports whether the task completed successfully.
func (s TaskState) Succeeded() bool {
	return s == TaskFinished
}

// VolumeMode is a mount access mode.
type VolumeMode string

// Volume modes.
const (
	ReadOnly  VolumeMode = "RO"
	ReadWrite VolumeMode = "RW"
)

// Volume is a host path mounted into the task.
type Volume struct {
	Host      string     `json:"host"`
	Container string     `json:"container"`
	Mode      VolumeMode `json:"mode"`
}

// Task is one worker launch request.
type Task struct {
	ID      string   `json:"id"`
	Command []string `json:"command"`
	CPUs    float64  `json:"cpus"`
	Memory  int      `json:"mem"`
	Disk    int      `json:"disk"`
	Volumes []Volume `json:"volumes"`
}

// TaskStatus is a state notification for a task.
type TaskStatus struct {
	TaskID  string
	State   TaskState
	Message string
}

// Submitter launches tasks and reports their states through the callback.
// The callback may be invoked from any goroutine, more than once per state.
type Submitter interface {
	Submit(ctx context.Context, task Task, update func(TaskStatus)) error
}
