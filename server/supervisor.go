package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Crash budget per worker: exceeding either window means the worker is
// in a crash loop and the whole group is brought down.
const (
	crashWindowShort      = 15 * time.Second
	crashWindowShortLimit = 3
	crashWindowLong       = 60 * time.Second
	crashWindowLongLimit  = 8
)

// watchDebounce coalesces bursts of filesystem events (editors often
// write a file several times) into a single worker restart.
const watchDebounce = time.Second

type workerExit struct {
	id   int
	code int
	err  error
}

type worker struct {
	id      int
	cmd     *exec.Cmd
	crashes []time.Time
}

// supervisor owns a group of re-executed worker processes: it spawns
// them, respawns crashed ones within the crash budget, forwards
// shutdown signals, and optionally restarts the group on file changes.
type supervisor struct {
	opts          *RunOptions
	log           *slog.Logger
	shutdownGrace time.Duration

	workers      map[int]*worker
	exits        chan workerExit
	shuttingDown bool
	restarting   map[int]bool
}

// supervise runs the forking supervisor until all workers are gone.
// Returns the process exit code.
func supervise(opts *RunOptions, logger *slog.Logger, shutdownGrace time.Duration) int {
	s := &supervisor{
		opts:          opts,
		log:           logger.With(slog.String("role", "supervisor")),
		shutdownGrace: shutdownGrace,
		workers:       make(map[int]*worker),
		exits:         make(chan workerExit, opts.Fork),
		restarting:    make(map[int]bool),
	}
	return s.run()
}

func (s *supervisor) run() int {
	self, err := os.Executable()
	if err != nil {
		s.log.Error("cannot locate own executable", slog.Any("error", err))
		return ExitError
	}

	for id := 1; id <= s.opts.Fork; id++ {
		if err := s.spawn(self, id); err != nil {
			s.log.Error("failed to spawn worker", slog.Int("worker_id", id), slog.Any("error", err))
			s.terminateAll()
			return ExitError
		}
	}
	s.log.Info("workers started", slog.Int("count", s.opts.Fork), slog.Int("pid", os.Getpid()))

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signals)

	var fileChanged <-chan string
	if len(s.opts.WatchPaths) > 0 {
		changes, closeWatcher, err := watchPaths(s.opts.WatchPaths, s.log)
		if err != nil {
			s.log.Error("failed to start file watcher", slog.Any("error", err))
			s.terminateAll()
			return ExitError
		}
		defer closeWatcher()
		fileChanged = changes
	}

	var escalate <-chan time.Time
	exitCode := ExitOK

	for len(s.workers) > 0 {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				s.log.Info("reload signal received, restarting workers")
				s.restartAll()
				continue
			}
			if !s.shuttingDown {
				s.shuttingDown = true
				s.log.Info("shutdown signal received, stopping workers", slog.String("signal", sig.String()))
				s.forward(syscall.SIGTERM)
				escalate = time.After(s.shutdownGrace)
				continue
			}
			s.log.Warn("second shutdown signal received, killing workers")
			s.forward(syscall.SIGKILL)

		case <-escalate:
			s.log.Warn("shutdown grace elapsed, killing remaining workers",
				slog.Int("remaining", len(s.workers)))
			s.forward(syscall.SIGKILL)

		case path := <-fileChanged:
			if s.shuttingDown {
				continue
			}
			s.log.Info("watched file changed, restarting workers", slog.String("path", path))
			s.restartAll()

		case exit := <-s.exits:
			w, ok := s.workers[exit.id]
			if !ok {
				continue
			}
			delete(s.workers, exit.id)
			restart := s.restarting[exit.id]
			delete(s.restarting, exit.id)

			switch {
			case s.shuttingDown:
				s.log.Info("worker stopped", slog.Int("worker_id", exit.id), slog.Int("code", exit.code))
				if exit.code != 0 {
					exitCode = ExitError
				}

			case restart:
				if err := s.spawn(self, exit.id); err != nil {
					s.log.Error("failed to restart worker", slog.Int("worker_id", exit.id), slog.Any("error", err))
					s.beginShutdown(&escalate)
					exitCode = ExitError
				}

			case exit.code == 0:
				s.log.Info("worker exited cleanly, not respawning", slog.Int("worker_id", exit.id))

			default:
				s.log.Warn("worker crashed",
					slog.Int("worker_id", exit.id),
					slog.Int("code", exit.code),
					slog.Any("error", exit.err),
				)
				if s.opts.NoRespawn {
					exitCode = ExitError
					continue
				}
				now := time.Now()
				crashes := append(pruneCrashes(w.crashes, now), now)
				if overCrashBudget(crashes, now) {
					s.log.Error("worker exceeded crash budget, terminating group",
						slog.Int("worker_id", exit.id),
						slog.Int("recent_crashes", len(crashes)),
					)
					s.beginShutdown(&escalate)
					exitCode = ExitError
					continue
				}
				if err := s.spawn(self, exit.id); err != nil {
					s.log.Error("failed to respawn worker", slog.Int("worker_id", exit.id), slog.Any("error", err))
					s.beginShutdown(&escalate)
					exitCode = ExitError
					continue
				}
				s.workers[exit.id].crashes = crashes
			}
		}
	}

	s.log.Info("all workers stopped", slog.Int("exit_code", exitCode))
	return exitCode
}

// spawn re-executes our own binary with the worker id in the
// environment, so the child takes the worker branch in Main.
func (s *supervisor) spawn(self string, id int) error {
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", envWorkerID, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("op=server.supervisor.spawn: %w", err)
	}
	s.workers[id] = &worker{id: id, cmd: cmd}
	go func() {
		err := cmd.Wait()
		s.exits <- workerExit{id: id, code: cmd.ProcessState.ExitCode(), err: err}
	}()
	s.log.Info("worker spawned", slog.Int("worker_id", id), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *supervisor) forward(sig syscall.Signal) {
	for _, w := range s.workers {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(sig)
		}
	}
}

// restartAll asks every worker to stop gracefully and marks it for
// respawn when its exit arrives. Restarts do not count as crashes.
func (s *supervisor) restartAll() {
	for id, w := range s.workers {
		s.restarting[id] = true
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

func (s *supervisor) beginShutdown(escalate *<-chan time.Time) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.forward(syscall.SIGTERM)
	*escalate = time.After(s.shutdownGrace)
}

// terminateAll is the hard-failure path used before the event loop is
// running: kill everything and reap synchronously.
func (s *supervisor) terminateAll() {
	s.forward(syscall.SIGKILL)
	for id, w := range s.workers {
		_ = w.cmd.Wait()
		delete(s.workers, id)
	}
}

func pruneCrashes(crashes []time.Time, now time.Time) []time.Time {
	kept := crashes[:0]
	for _, t := range crashes {
		if now.Sub(t) < crashWindowLong {
			kept = append(kept, t)
		}
	}
	return kept
}

func overCrashBudget(crashes []time.Time, now time.Time) bool {
	if len(crashes) > crashWindowLongLimit {
		return true
	}
	short := 0
	for _, t := range crashes {
		if now.Sub(t) < crashWindowShort {
			short++
		}
	}
	return short > crashWindowShortLimit
}

// watchPaths starts an fsnotify watcher over the given files and
// directories and returns a debounced change channel.
func watchPaths(paths []string, logger *slog.Logger) (<-chan string, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("op=server.watchPaths: %w", err)
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, nil, fmt.Errorf("op=server.watchPaths: watch %s: %w", p, err)
		}
	}

	changes := make(chan string, 1)
	go func() {
		var pending string
		var timer <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				pending = event.Name
				timer = time.After(watchDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", slog.Any("error", err))
			case <-timer:
				timer = nil
				select {
				case changes <- pending:
				default:
				}
			}
		}
	}()
	return changes, func() { watcher.Close() }, nil
}
