package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/testutil"
)

type fakeStore struct {
	resets int
	err    error
}

func (s *fakeStore) ResetInFlight(context.Context) (int64, error) {
	s.resets++
	return 2, s.err
}

// fakeSegments hands out its segments on the first build only.
type fakeSegments struct {
	mu     sync.Mutex
	segs   []ard.Segment
	queued []string
	err    error
}

func (f *fakeSegments) Build(context.Context) ([]ard.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.segs
	f.segs = nil
	return out, nil
}

func (f *fakeSegments) Queue(_ context.Context, seg ard.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, seg[0].ProductID)
	return nil
}

// manualSubmitter holds tasks until the test completes them.
type manualSubmitter struct {
	mu      sync.Mutex
	tasks   []Task
	updates map[string]func(TaskStatus)
	fail    error
}

func newManualSubmitter() *manualSubmitter {
	return &manualSubmitter{updates: map[string]func(TaskStatus){}}
}

func (m *manualSubmitter) Submit(_ context.Context, task Task, update func(TaskStatus)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.tasks = append(m.tasks, task)
	m.updates[task.ID] = update
	update(TaskStatus{TaskID: task.ID, State: TaskStaging})
	return nil
}

func (m *manualSubmitter) report(id string, state TaskState) {
	m.mu.Lock()
	update := m.updates[id]
	m.mu.Unlock()
	update(TaskStatus{TaskID: id, State: state})
}

// instantSubmitter reports a terminal state from inside Submit.
type instantSubmitter struct {
	state TaskState
	mu    sync.Mutex
	n     int
}

func (s *instantSubmitter) Submit(_ context.Context, task Task, update func(TaskStatus)) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	update(TaskStatus{TaskID: task.ID, State: TaskRunning})
	update(TaskStatus{TaskID: task.ID, State: s.state})
	return nil
}

func testSegments(t *testing.T, n int) []ard.Segment {
	t.Helper()
	segs := make([]ard.Segment, n)
	for i := range segs {
		id := fmt.Sprintf("LC08_L1TP_%03d014_20180228_20180308_01_T1", 40+i)
		segs[i] = ard.Segment{testutil.Scene(t, id, "/archive/2018/"+id+".tar.gz")}
	}
	return segs
}

func newTestDispatcher(t *testing.T, segs *fakeSegments, sub Submitter, opts Options) *Dispatcher {
	t.Helper()
	d := New(zaptest.NewLogger(t), &fakeStore{}, segs, sub, opts)
	d.IDs = testutil.SequentialTaskIDs(100)
	return d
}

// drain applies every pending update the way the loop does.
func drain(d *Dispatcher) {
	for _, s := range d.inbox.Drain() {
		d.handle(s)
	}
}

func TestOffer_RespectsLimits(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 6)}
	sub := newManualSubmitter()
	d := newTestDispatcher(t, segs, sub, Options{MaxJobs: 3, LaunchesPerOffer: 2})
	ctx := context.Background()

	require.NoError(t, d.offer(ctx))
	drain(d)
	assert.Len(t, sub.tasks, 2)
	assert.Len(t, segs.queued, 6)
	assert.Equal(t, 4, d.Status().Queued)

	require.NoError(t, d.offer(ctx))
	drain(d)
	assert.Len(t, sub.tasks, 3)

	// At the cap nothing more launches.
	require.NoError(t, d.offer(ctx))
	assert.Len(t, sub.tasks, 3)

	sub.report("task-1", TaskRunning)
	sub.report("task-1", TaskFinished)
	drain(d)
	require.NoError(t, d.offer(ctx))
	drain(d)
	assert.Len(t, sub.tasks, 4)

	st := d.Status()
	assert.Equal(t, 3, st.Running)
	assert.Equal(t, 4, st.Launched)
	assert.Equal(t, 1, st.Finished)
	assert.Equal(t, 2, st.Queued)
}

func TestOffer_NeverExceedsMaxJobs(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 20)}
	sub := newManualSubmitter()
	d := newTestDispatcher(t, segs, sub, Options{MaxJobs: 5, LaunchesPerOffer: 4})
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		require.NoError(t, d.offer(ctx))
		drain(d)
		assert.LessOrEqual(t, d.Status().Running, 5)

		// Finish the oldest running task every other round.
		if round%2 == 1 {
			sub.mu.Lock()
			var id string
			for _, task := range sub.tasks {
				d.mu.Lock()
				_, running := d.running[task.ID]
				d.mu.Unlock()
				if running {
					id = task.ID
					break
				}
			}
			sub.mu.Unlock()
			if id != "" {
				sub.report(id, TaskFinished)
				drain(d)
			}
		}
	}
	assert.Equal(t, 4, d.Status().Running)
	assert.Equal(t, 9, d.Status().Launched)
}

func TestHandle_DuplicateAndUnknownUpdates(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 1)}
	sub := newManualSubmitter()
	d := newTestDispatcher(t, segs, sub, Options{MaxJobs: 2})

	require.NoError(t, d.offer(context.Background()))
	sub.report("task-1", TaskFinished)
	sub.report("task-1", TaskFinished)
	sub.report("task-1", TaskFailed)
	d.handle(TaskStatus{TaskID: "unknown", State: TaskFailed})
	drain(d)

	st := d.Status()
	assert.Equal(t, 1, st.Finished)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, 0, st.Running)
}

func TestHandle_FailureLimitStopsLaunching(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 5)}
	sub := newManualSubmitter()
	d := newTestDispatcher(t, segs, sub, Options{MaxJobs: 4, LaunchesPerOffer: 4, MaxFailedJobs: 2})
	ctx := context.Background()

	require.NoError(t, d.offer(ctx))
	sub.report("task-1", TaskFailed)
	sub.report("task-2", TaskLost)
	drain(d)

	st := d.Status()
	assert.True(t, st.ShuttingDown)
	assert.Equal(t, 2, st.Failed)
	assert.True(t, IsFailuresExceeded(d.stopErr))

	require.NoError(t, d.offer(ctx))
	assert.Len(t, sub.tasks, 4)
}

func TestLaunch_SubmitFailureCountsAsFailed(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 1)}
	sub := newManualSubmitter()
	sub.fail = errors.New("no offers")
	d := newTestDispatcher(t, segs, sub, Options{MaxJobs: 1})

	require.NoError(t, d.offer(context.Background()))
	st := d.Status()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Running)
}

func TestTask_Golden(t *testing.T) {
	d := newTestDispatcher(t, &fakeSegments{}, newManualSubmitter(), Options{
		WorkerCommand: "ardtile",
		ConfigPath:    "/etc/ard.yaml",
		CPUs:          1,
		Memory:        5120,
		Disk:          10240,
		AuxDir:        "/aux",
		TZPath:        "/usr/share/zoneinfo",
	})
	job := Job{Segment: testSegments(t, 6)[5], Output: "/out/oli_tirs"}

	task, err := d.task("task-1", job)
	require.NoError(t, err)
	data, err := json.MarshalIndent(task, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "task", data)
}

func TestVolumes_DistinctInputDirectories(t *testing.T) {
	d := newTestDispatcher(t, &fakeSegments{}, newManualSubmitter(), Options{})
	seg := append(testSegments(t, 2)[0], testSegments(t, 2)[1]...)
	seg[1].FileLocation = filepath.Join("/archive/2019", "b.tar.gz")
	seg = append(seg, seg[0])

	vols := d.volumes(Job{Segment: seg, Output: "/out"})
	assert.Equal(t, []Volume{
		{Host: "/archive/2018", Container: "/archive/2018", Mode: ReadOnly},
		{Host: "/archive/2019", Container: "/archive/2019", Mode: ReadOnly},
		{Host: "/out", Container: "/out", Mode: ReadWrite},
	}, vols)
}

func TestRun_DrainsOnCancel(t *testing.T) {
	st := &fakeStore{}
	segs := &fakeSegments{segs: testSegments(t, 3)}
	sub := &instantSubmitter{state: TaskFinished}
	d := New(zaptest.NewLogger(t), st, segs, sub, Options{MaxJobs: 2, OfferInterval: 5 * time.Millisecond})
	d.IDs = testutil.SequentialTaskIDs(10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return d.Status().Finished == 3 }, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 1, st.resets)
	assert.Equal(t, 3, d.Status().Launched)
	assert.True(t, d.Status().ShuttingDown)
}

func TestRun_StopsAtFailureLimit(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 5)}
	sub := &instantSubmitter{state: TaskFailed}
	d := New(zaptest.NewLogger(t), &fakeStore{}, segs, sub, Options{MaxJobs: 1, MaxFailedJobs: 2, OfferInterval: time.Millisecond})
	d.IDs = testutil.SequentialTaskIDs(10)

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFailuresExceeded(err))
	assert.Equal(t, 2, d.Status().Failed)
}

func TestRun_StoreFailure(t *testing.T) {
	d := New(zaptest.NewLogger(t), &fakeStore{err: errors.New("connection refused")}, &fakeSegments{}, newManualSubmitter(), Options{})
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, StoreError.Has(err))

	segs := &fakeSegments{err: errors.New("connection reset")}
	d = New(zaptest.NewLogger(t), &fakeStore{}, segs, newManualSubmitter(), Options{})
	err = d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, StoreError.Has(err))
}

func TestHandler(t *testing.T) {
	segs := &fakeSegments{segs: testSegments(t, 3)}
	d := newTestDispatcher(t, segs, newManualSubmitter(), Options{MaxJobs: 1})
	require.NoError(t, d.offer(context.Background()))

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, Status{Queued: 2, Running: 1, Launched: 1}, st)
}

// counter reads the current value of a package counter from the default
// registry. Counters are process-wide, so tests compare deltas.
func counter(name string) float64 {
	var value float64
	monkit.Default.Stats(func(key monkit.SeriesKey, field string, val float64) {
		if key.Measurement == name && field == "value" {
			value = val
		}
	})
	return value
}

func TestRun_ExportsTaskCounters(t *testing.T) {
	launched, finished := counter("tasks_launched"), counter("tasks_finished")

	segs := &fakeSegments{segs: testSegments(t, 2)}
	d := New(zaptest.NewLogger(t), &fakeStore{}, segs, &instantSubmitter{state: TaskFinished},
		Options{MaxJobs: 2, OfferInterval: 5 * time.Millisecond})
	d.IDs = testutil.SequentialTaskIDs(10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return d.Status().Finished == 2 }, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 2.0, counter("tasks_launched")-launched)
	assert.Equal(t, 2.0, counter("tasks_finished")-finished)

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mon/stats/text")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tasks_launched")
	assert.Contains(t, string(body), "tasks_finished")
}
