package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *stubRunner) Run(_ context.Context, command string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{command}, args...))
	return []byte("done"), r.err
}

type stateLog struct {
	mu     sync.Mutex
	states []TaskState
}

func (l *stateLog) update(s TaskStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s.State)
}

func TestLocalSubmitter(t *testing.T) {
	run := &stubRunner{}
	sub := NewLocalSubmitter(zaptest.NewLogger(t), run)
	states := &stateLog{}

	task := Task{ID: "t1", Command: []string{"ardtile", "clip", "[]", "/out"}, Volumes: []Volume{{Host: "/out", Container: "/out", Mode: ReadWrite}}}
	require.NoError(t, sub.Submit(context.Background(), task, states.update))
	require.NoError(t, sub.Wait())

	assert.Equal(t, []TaskState{TaskStaging, TaskRunning, TaskFinished}, states.states)
	assert.Equal(t, [][]string{{"ardtile", "clip", "[]", "/out"}}, run.calls)
	assert.Equal(t, task.Volumes, sub.Volumes("t1"))
}

func TestLocalSubmitter_Failure(t *testing.T) {
	sub := NewLocalSubmitter(zaptest.NewLogger(t), &stubRunner{err: errors.New("exit status 1")})
	states := &stateLog{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sub.Submit(ctx, Task{ID: "t2", Command: []string{"false"}}, states.update))
	require.NoError(t, sub.Wait())
	assert.Equal(t, []TaskState{TaskStaging, TaskRunning, TaskFailed}, states.states)

	err := sub.Submit(context.Background(), Task{ID: "t3"}, states.update)
	assert.True(t, Error.Has(err))
}

func TestTaskState(t *testing.T) {
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskKilled.Terminal())
	assert.True(t, TaskFinished.Succeeded())
	assert.False(t, TaskLost.Succeeded())
}
