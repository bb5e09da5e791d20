package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// LocalSubmitter runs tasks as processes on this host. Volumes are not
// mounted: the worker sees the host paths directly.
type LocalSubmitter struct {
	log *zap.Logger
	run raster.Runner

	group errgroup.Group

	mu      sync.Mutex
	volumes map[string][]Volume
}

// NewLocalSubmitter returns a submitter running commands through run.
// Concurrency is bounded by the dispatcher's max_jobs.
func NewLocalSubmitter(log *zap.Logger, run raster.Runner) *LocalSubmitter {
	return &LocalSubmitter{log: log, run: run, volumes: map[string][]Volume{}}
}

// Submit starts the task in the background. The process is not tied to
// ctx: tasks run to completion even while the dispatcher shuts down.
func (s *LocalSubmitter) Submit(ctx context.Context, task Task, update func(TaskStatus)) error {
	if len(task.Command) == 0 {
		return Error.New("task %s: empty command", task.ID)
	}
	s.mu.Lock()
	s.volumes[task.ID] = task.Volumes
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	update(TaskStatus{TaskID: task.ID, State: TaskStaging})
	s.group.Go(func() error {
		update(TaskStatus{TaskID: task.ID, State: TaskRunning})
		out, err := s.run.Run(runCtx, task.Command[0], task.Command[1:]...)
		if err != nil {
			s.log.Warn("task failed", zap.String("task", task.ID), zap.Error(err), zap.ByteString("output", tail(out)))
			update(TaskStatus{TaskID: task.ID, State: TaskFailed, Message: err.Error()})
			return nil
		}
		update(TaskStatus{TaskID: task.ID, State: TaskFinished})
		return nil
	})
	return nil
}

// Volumes returns the volumes requested for a task.
func (s *LocalSubmitter) Volumes(taskID string) []Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumes[taskID]
}

// Wait blocks until every submitted task has exited.
func (s *LocalSubmitter) Wait() error {
	return s.group.Wait()
}

// tail keeps the end of a process's output for logging.
func tail(out []byte) []byte {
	const max = 2048
	if len(out) > max {
		return out[len(out)-max:]
	}
	return out
}
