// Package dispatch keeps worker tasks running: it builds segments from the
// unprocessed inventory, queues one job per segment and launches jobs
// through a task submitter within the configured concurrency and failure
// limits.
//
// A Dispatcher first resets scenes left in flight by a previous run, then
// makes an offer every OfferInterval. An offer refills the job queue from
// the segment builder when it is empty and launches up to LaunchesPerOffer
// jobs while fewer than MaxJobs tasks are running. Each job becomes a Task
// running "<worker> clip <segment-json> <output-dir>" with the archive,
// output, auxiliary and configuration directories mounted.
//
// Task updates arrive on any goroutine and are applied by the offer loop.
// Cancelling the context, reaching MaxFailedJobs or losing the status
// server stops launching; Run then waits for the running tasks to reach a
// terminal state before it returns. State store failures end Run at once
// with a StoreError.
//
// When StatusAddr is set, Handler serves:
//
//	GET /             liveness, "OK"
//	GET /status       the Status counters as JSON
//	GET /mon/...      monkit stats, spans and functions
//
// Example:
//
//	segments := segment.NewBuilder(log, st, missions, 3)
//	sub := dispatch.NewLocalSubmitter(log, &raster.ExecRunner{Log: log})
//	d := dispatch.New(log, st, segments, sub, opts)
//	if err := d.Run(ctx); err != nil {
//		return err
//	}
//	fmt.Println(d.Status().Launched)
package dispatch

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

var (
	mon = monkit.Package()

	// Error is the error class for dispatcher failures.
	Error = errs.Class("dispatch")
	// StoreError marks state store failures. They end the dispatcher so
	// that its supervisor can restart it.
	StoreError = errs.Class("state store")
)

// Store is the subset of the state store the dispatcher uses directly.
type Store interface {
	ResetInFlight(ctx context.Context) (int64, error)
}

// Segments builds and claims segments.
type Segments interface {
	Build(ctx context.Context) ([]ard.Segment, error)
	Queue(ctx context.Context, seg ard.Segment) error
}

// Options configures a dispatcher.
type Options struct {
	// MaxJobs caps the number of tasks running at once. Offers made while
	// MaxJobs tasks are running launch nothing.
	MaxJobs int
	// MaxFailedJobs is the number of failed tasks after which the
	// dispatcher stops launching, drains and returns a FailuresExceededError.
	// Zero never stops.
	MaxFailedJobs int
	// LaunchesPerOffer caps the number of jobs dequeued per offer cycle.
	LaunchesPerOffer int
	// OfferInterval is the period between offer cycles. The first offer
	// is made as soon as Run starts.
	OfferInterval time.Duration

	// WorkerCommand is the executable each task runs as
	// "<WorkerCommand> clip <segment-json> <output-dir>".
	WorkerCommand string
	// ConfigPath, when set, is passed on to the worker with --config and
	// mounted read-only into the task.
	ConfigPath string
	// CPUs, Memory (MB) and Disk (MB) are the resources requested for
	// every task.
	CPUs   float64
	Memory int
	Disk   int

	// OutputPath returns the product directory for a mission. It is
	// mounted read-write into the task.
	OutputPath func(ard.Mission) string
	// AuxDir holds the auxiliary data (region table, grids) and is mounted
	// read-only. Empty mounts nothing.
	AuxDir string
	// TZPath is the host time zone database mounted read-only. Empty
	// mounts nothing.
	TZPath string

	// StatusAddr is the listen address of the liveness, status and metrics
	// endpoints (see Handler). Empty disables them.
	StatusAddr string
}

// Status is a snapshot of the dispatcher's counters.
type Status struct {
	Queued       int  `json:"queued"`
	Running      int  `json:"running"`
	Launched     int  `json:"launched"`
	Finished     int  `json:"finished"`
	Failed       int  `json:"failed"`
	ShuttingDown bool `json:"shutting_down"`
}

// Dispatcher runs the offer loop.
type Dispatcher struct {
	log       *zap.Logger
	store     Store
	segments  Segments
	submitter Submitter
	opts      Options

	// IDs names launched tasks.
	IDs IDGenerator

	queue    *jobQueue
	inbox    *statusInbox
	failures *failureBudget

	mu           sync.Mutex
	running      map[string]Job
	launched     int
	finished     int
	failed       int
	shuttingDown bool
	stopErr      error
}

// New creates a dispatcher.
func New(log *zap.Logger, st Store, segments Segments, submitter Submitter, opts Options) *Dispatcher {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 1
	}
	if opts.MaxFailedJobs <= 0 {
		opts.MaxFailedJobs = math.MaxInt
	}
	if opts.LaunchesPerOffer <= 0 {
		opts.LaunchesPerOffer = 4
	}
	if opts.OfferInterval <= 0 {
		opts.OfferInterval = 5 * time.Second
	}
	if opts.OutputPath == nil {
		opts.OutputPath = func(m ard.Mission) string { return string(m.Family()) }
	}
	return &Dispatcher{
		log:       log,
		store:     st,
		segments:  segments,
		submitter: submitter,
		opts:      opts,
		IDs:       UUIDv7Generator{},
		queue:     newJobQueue(),
		inbox:     newStatusInbox(),
		failures:  newFailureBudget(opts.MaxFailedJobs),
		running:   map[string]Job{},
	}
}

// Run resets in-flight scenes and dispatches until ctx is cancelled or the
// failure limit is reached, then waits for running tasks to end. It
// returns a FailuresExceededError when stopped by the failure limit and a
// StoreError when the state store fails.
func (d *Dispatcher) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := d.store.ResetInFlight(ctx)
	if err != nil {
		return StoreError.Wrap(err)
	}
	d.log.Info("in-flight scenes reset", zap.Int64("scenes", n))

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServe()
	group, gctx := errgroup.WithContext(serveCtx)

	group.Go(func() error {
		defer stopServe()
		return d.loop(ctx, gctx)
	})
	if d.opts.StatusAddr != "" {
		group.Go(func() error {
			return d.serve(gctx)
		})
	}
	return group.Wait()
}

func (d *Dispatcher) loop(ctx, stop context.Context) error {
	ticker := time.NewTicker(d.opts.OfferInterval)
	defer ticker.Stop()

	if err := d.offer(ctx); err != nil {
		return err
	}

	done, stopped := ctx.Done(), stop.Done()
	for {
		d.mu.Lock()
		finished := d.shuttingDown && len(d.running) == 0
		stopErr := d.stopErr
		d.mu.Unlock()
		if finished {
			d.log.Info("dispatcher stopped", zap.Int("launched", d.Status().Launched))
			return stopErr
		}

		select {
		case <-done:
			done = nil
			d.shutdown("interrupted")
		case <-stopped:
			stopped = nil
			d.shutdown("status server stopped")
		case <-d.inbox.Wait():
			for _, s := range d.inbox.Drain() {
				d.handle(s)
			}
		case <-ticker.C:
			if err := d.offer(ctx); err != nil {
				return err
			}
		}
	}
}

// offer fills the queue when it is empty and launches up to
// LaunchesPerOffer jobs without exceeding MaxJobs.
func (d *Dispatcher) offer(ctx context.Context) error {
	d.mu.Lock()
	stopping := d.shuttingDown
	free := d.opts.MaxJobs - len(d.running)
	d.mu.Unlock()
	if stopping {
		return nil
	}

	if d.queue.Len() == 0 {
		if err := d.fill(ctx); err != nil {
			return err
		}
	}

	launches := min(d.opts.LaunchesPerOffer, free)
	for i := 0; i < launches; i++ {
		job, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		d.launch(ctx, job)
	}
	mon.IntVal("jobs_running").Observe(int64(d.Status().Running))
	return nil
}

func (d *Dispatcher) fill(ctx context.Context) error {
	segs, err := d.segments.Build(ctx)
	if err != nil {
		return StoreError.Wrap(err)
	}
	for _, seg := range segs {
		if err := d.segments.Queue(ctx, seg); err != nil {
			return StoreError.Wrap(err)
		}
		d.queue.Enqueue(Job{Segment: seg, Output: d.opts.OutputPath(seg[0].Satellite)})
	}
	if len(segs) > 0 {
		d.log.Info("segments queued", zap.Int("segments", len(segs)))
	}
	return nil
}

func (d *Dispatcher) launch(ctx context.Context, job Job) {
	id := d.IDs.Generate()
	log := d.log.With(zap.String("task", id), zap.Strings("scenes", job.Segment.ProductIDs()))

	task, err := d.task(id, job)
	if err != nil {
		log.Error("build task", zap.Error(err))
		return
	}

	// Registered first: the submitter may report before Submit returns.
	d.mu.Lock()
	d.running[id] = job
	d.launched++
	d.mu.Unlock()
	mon.Counter("tasks_launched").Inc(1)

	if err := d.submitter.Submit(ctx, task, d.inbox.Push); err != nil {
		log.Error("submit task", zap.Error(err))
		d.handle(TaskStatus{TaskID: id, State: TaskFailed, Message: err.Error()})
		return
	}
	log.Info("task launched")
}

// task renders the worker invocation for job.
func (d *Dispatcher) task(id string, job Job) (Task, error) {
	payload, err := json.Marshal(job.Segment)
	if err != nil {
		return Task{}, Error.Wrap(err)
	}
	command := []string{d.opts.WorkerCommand, "clip", string(payload), job.Output}
	if d.opts.ConfigPath != "" {
		command = append(command, "--config", d.opts.ConfigPath)
	}
	return Task{
		ID:      id,
		Command: command,
		CPUs:    d.opts.CPUs,
		Memory:  d.opts.Memory,
		Disk:    d.opts.Disk,
		Volumes: d.volumes(job),
	}, nil
}

// volumes mounts the scene archives, auxiliary data, time zones and
// configuration read-only and the product directory read-write.
func (d *Dispatcher) volumes(job Job) []Volume {
	inputs := map[string]bool{}
	for _, sc := range job.Segment {
		inputs[filepath.Dir(sc.FileLocation)] = true
	}
	dirs := make([]string, 0, len(inputs))
	for dir := range inputs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var vols []Volume
	add := func(path string, mode VolumeMode) {
		if path != "" {
			vols = append(vols, Volume{Host: path, Container: path, Mode: mode})
		}
	}
	for _, dir := range dirs {
		add(dir, ReadOnly)
	}
	add(job.Output, ReadWrite)
	add(d.opts.AuxDir, ReadOnly)
	add(d.opts.TZPath, ReadOnly)
	add(d.opts.ConfigPath, ReadOnly)
	return vols
}

// handle applies one task update. Updates for tasks no longer tracked,
// such as repeated terminal notifications, are ignored.
func (d *Dispatcher) handle(s TaskStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.log.With(zap.String("task", s.TaskID), zap.String("state", string(s.State)))
	job, ok := d.running[s.TaskID]
	if !ok {
		log.Debug("ignoring update for unknown task")
		return
	}
	if !s.State.Terminal() {
		log.Debug("task update")
		return
	}

	delete(d.running, s.TaskID)
	if s.State.Succeeded() {
		d.finished++
		mon.Counter("tasks_finished").Inc(1)
		log.Info("task finished")
		return
	}

	d.failed++
	mon.Counter("tasks_failed").Inc(1)
	log.Warn("task failed", zap.String("message", s.Message), zap.Strings("scenes", job.Segment.ProductIDs()))
	if err := d.failures.Check(s.TaskID); err != nil && !d.shuttingDown {
		log.Error("failed task limit reached", zap.Error(err))
		d.stopErr = err
		d.stopLocked()
	}
}

func (d *Dispatcher) shutdown(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return
	}
	d.log.Info("shutting down, draining running tasks",
		zap.String("reason", reason),
		zap.Int("running", len(d.running)))
	d.stopLocked()
}

func (d *Dispatcher) stopLocked() {
	d.shuttingDown = true
	d.queue.Close()
}

// Status returns the current counters.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Queued:       d.queue.Len(),
		Running:      len(d.running),
		Launched:     d.launched,
		Finished:     d.finished,
		Failed:       d.failed,
		ShuttingDown: d.shuttingDown,
	}
}
