// Package supervisor keeps a fixed number of worker processes alive.
//
// The master starts N workers and replaces every one that terminates, for
// whatever reason, for as long as it runs. There is no crash-loop limit:
// a worker that dies on start makes the master start another right away,
// unless a Backoff is configured.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/vektra/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// WorkerEnv marks a worker process. Its value is the worker ID.
const WorkerEnv = "SUM_CLUSTER_WORKER"

const spawnRetryInterval = 100 * time.Millisecond

// IsWorker reports whether the current process was started by a Supervisor.
func IsWorker() bool {
	return os.Getenv(WorkerEnv) != ""
}

// WorkerCommand returns a command builder that re-executes the running
// binary with args. WorkerCommand(os.Args[1:]) is the default
// Options.Command.
func WorkerCommand(args []string) func() *exec.Cmd {
	return func() *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// State is the supervisor lifecycle.
type State int32

const (
	Initializing State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Options configures a Supervisor.
type Options struct {
	// Workers is the number of live workers to maintain. Zero or less
	// means runtime.NumCPU().
	Workers int
	// Command builds the command for a new worker. Defaults to
	// WorkerCommand(os.Args[1:]). WorkerEnv is appended to its environment.
	Command func() *exec.Cmd
	Backoff Backoff
	Logger  logging.Logger
}

// Handle is a live worker process.
type Handle struct {
	ID        int
	Pid       int
	StartedAt time.Time

	cmd *exec.Cmd
}

// Stats counts what the supervisor has done so far.
type Stats struct {
	Spawned int64
	Exited  int64
	// Failed counts workers that could not be started at all.
	Failed int64
	Live   int
}

type Supervisor struct {
	n       int
	command func() *exec.Cmd
	backoff backoffState
	logger  logging.Logger

	state   atomic.Int32
	spawned atomic.Int64
	exited  atomic.Int64
	failed  atomic.Int64
	nextID  int

	mu      sync.Mutex
	workers map[int]*Handle

	exits   chan Exit
	respawn chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		n:       opts.Workers,
		command: opts.Command,
		backoff: backoffState{Backoff: opts.Backoff},
		logger:  opts.Logger,
		workers: make(map[int]*Handle),
		exits:   make(chan Exit),
		respawn: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if s.n <= 0 {
		s.n = runtime.NumCPU()
	}
	if s.command == nil {
		s.command = WorkerCommand(os.Args[1:])
	}
	if s.logger == nil {
		s.logger = logging.GetDefaultLogger()
	}
	return s
}

// Workers is the number of live workers the supervisor maintains.
func (s *Supervisor) Workers() int {
	return s.n
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	live := len(s.workers)
	s.mu.Unlock()
	return Stats{
		Spawned: s.spawned.Load(),
		Exited:  s.exited.Load(),
		Failed:  s.failed.Load(),
		Live:    live,
	}
}

// Handles returns the live workers ordered by ID.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, *h)
	}
	s.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

// Run starts the workers and replaces them as they exit until ctx is done.
// On return every worker has been killed and reaped. A Supervisor runs once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Infof("Number of CPUs is %d", runtime.NumCPU())
	if s.n != runtime.NumCPU() {
		s.logger.Infof("Forking %d workers", s.n)
	}
	s.logger.Infof("Master %d is running", os.Getpid())

	for i := 0; i < s.n; i++ {
		s.spawn()
	}
	s.state.Store(int32(Running))

	for {
		select {
		case <-ctx.Done():
			return s.stop()
		case e := <-s.exits:
			s.onWorkerExit(e)
		case <-s.respawn:
			s.spawn()
		}
	}
}

func (s *Supervisor) onWorkerExit(e Exit) {
	s.exited.Inc()
	s.forget(e.Handle)

	if e.Signal != "" {
		s.logger.Infof("worker %d died (code=%d, signal=%s)", e.Handle.Pid, e.Code, e.Signal)
	} else {
		s.logger.Infof("worker %d died (code=%d)", e.Handle.Pid, e.Code)
	}
	s.logger.Infof("Let's fork another worker!")

	if d := s.backoff.next(time.Since(e.Handle.StartedAt)); d > 0 {
		s.logger.Warnf("worker %d lived %v, next fork in %v", e.Handle.Pid, time.Since(e.Handle.StartedAt), d)
		s.respawnAfter(d)
		return
	}
	s.spawn()
}

// forget drops h from the registry unless its pid was already reused by a
// newer worker.
func (s *Supervisor) forget(h *Handle) {
	s.mu.Lock()
	if s.workers[h.Pid] == h {
		delete(s.workers, h.Pid)
	}
	s.mu.Unlock()
}

// spawn starts one worker. A failed start is retried later, never dropped.
func (s *Supervisor) spawn() {
	h, err := s.start()
	if err != nil {
		s.failed.Inc()
		s.logger.Errorf("fork failed, retrying in %v: %v", spawnRetryInterval, err)
		s.respawnAfter(spawnRetryInterval)
		return
	}
	s.logger.Debugf("forked worker %d with pid %d", h.ID, h.Pid)
}

func (s *Supervisor) start() (*Handle, error) {
	s.nextID++
	id := s.nextID

	cmd := s.command()
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, WorkerEnv+"="+strconv.Itoa(id))
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.Context(err, "start worker "+strconv.Itoa(id))
	}

	h := &Handle{ID: id, Pid: cmd.Process.Pid, StartedAt: time.Now(), cmd: cmd}
	s.mu.Lock()
	s.workers[h.Pid] = h
	s.mu.Unlock()
	s.spawned.Inc()

	s.wg.Add(1)
	go s.wait(h)
	return h, nil
}

func (s *Supervisor) wait(h *Handle) {
	defer s.wg.Done()
	err := h.cmd.Wait()
	e := newExit(h, h.cmd.ProcessState, err)
	select {
	case s.exits <- e:
	case <-s.done:
	}
}

func (s *Supervisor) respawnAfter(d time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case s.respawn <- struct{}{}:
			case <-s.done:
			}
		case <-s.done:
		}
	}()
}

func (s *Supervisor) stop() error {
	s.state.Store(int32(Stopped))
	close(s.done)

	var err error
	s.mu.Lock()
	for pid, h := range s.workers {
		if kerr := h.cmd.Process.Kill(); kerr != nil && kerr != os.ErrProcessDone {
			err = multierr.Append(err, errors.Context(kerr, "kill worker "+strconv.Itoa(pid)))
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.workers = make(map[int]*Handle)
	s.mu.Unlock()
	return err
}
