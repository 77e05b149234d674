// Package manager is the single authority for worker process lifecycle: it
// spawns the driver server and the workers as separate OS processes before
// user traffic, monitors their liveness, restarts the dead, and tears
// everything down in order on shutdown.
package manager

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Registration describes one managed worker process.
type Registration struct {
	// Name identifies the worker in logs and file names.
	Name string

	// Args is the argv passed to a re-exec of the server binary, e.g.
	// ["driver", "--config", "/etc/codeintel.yaml"].
	Args []string

	// LogPath receives the process's stdout and stderr.
	LogPath string

	// PIDPath is where the child's pid is recorded.
	PIDPath string

	// Restart controls whether the monitor restarts a dead process.
	// Every long-running worker must leave this true.
	Restart bool
}

// Config tunes the manager.
type Config struct {
	// MonitorInterval is the liveness poll period (default 5s).
	MonitorInterval time.Duration

	// GracefulTimeout is how long SIGTERM gets before SIGKILL
	// (default 30s).
	GracefulTimeout time.Duration

	// HeartbeatInterval brackets crashes in the main log (default 60s).
	HeartbeatInterval time.Duration
}

type proc struct {
	reg     Registration
	cmd     *exec.Cmd
	pidfile *PIDFile
	logFile *os.File
}

// Manager owns all worker processes. One manager per main process; nothing
// else launches workers.
type Manager struct {
	cfg Config
	exe string

	mu    sync.Mutex
	procs map[string]*proc
}

// New creates a manager that re-executes the current binary for workers.
func New(cfg Config) (*Manager, error) {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, exe: exe, procs: make(map[string]*proc)}, nil
}

// Start spawns every registered worker. Called before the main process
// accepts user traffic.
func (m *Manager) Start(regs []Registration) error {
	for _, reg := range regs {
		if !reg.Restart {
			slog.Warn("worker registered without restart", slog.String("worker", reg.Name))
		}
		if err := m.spawn(reg); err != nil {
			return err
		}
	}
	return nil
}

// spawn launches one worker process and records its pid.
func (m *Manager) spawn(reg Registration) error {
	logFile, err := os.OpenFile(reg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	cmd := exec.Command(m.exe, reg.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return err
	}

	pidfile := NewPIDFile(reg.PIDPath)
	if err := pidfile.Write(cmd.Process.Pid); err != nil {
		slog.Warn("failed to write pid file",
			slog.String("worker", reg.Name),
			slog.String("error", err.Error()))
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	m.mu.Lock()
	m.procs[reg.Name] = &proc{reg: reg, cmd: cmd, pidfile: pidfile, logFile: logFile}
	m.mu.Unlock()

	slog.Info("worker started",
		slog.String("worker", reg.Name),
		slog.Int("pid", cmd.Process.Pid))
	return nil
}

// Monitor polls liveness and restarts dead workers that registered a
// restart. Blocks until ctx is cancelled; also emits the heartbeat.
func (m *Manager) Monitor(ctx context.Context) {
	liveness := time.NewTicker(m.cfg.MonitorInterval)
	defer liveness.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			slog.Info("heartbeat", slog.Int("workers", m.workerCount()))
		case <-liveness.C:
			m.checkOnce()
		}
	}
}

func (m *Manager) workerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// checkOnce restarts any dead worker with a registered restart.
func (m *Manager) checkOnce() {
	m.mu.Lock()
	var dead []*proc
	for _, p := range m.procs {
		if !ProcessExists(p.cmd.Process.Pid) {
			dead = append(dead, p)
		}
	}
	m.mu.Unlock()

	for _, p := range dead {
		_ = p.logFile.Close()
		_ = p.pidfile.Remove()

		if !p.reg.Restart {
			slog.Error("worker died and has no restart registered",
				slog.String("worker", p.reg.Name))
			m.mu.Lock()
			delete(m.procs, p.reg.Name)
			m.mu.Unlock()
			continue
		}

		slog.Warn("worker died, restarting", slog.String("worker", p.reg.Name))
		if err := m.spawn(p.reg); err != nil {
			slog.Error("worker restart failed",
				slog.String("worker", p.reg.Name),
				slog.String("error", err.Error()))
		}
	}
}

// Shutdown stops every worker: SIGTERM, wait up to GracefulTimeout, then
// SIGKILL the survivors. Pid files are removed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*proc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.procs = make(map[string]*proc)
	m.mu.Unlock()

	for _, p := range procs {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("SIGTERM failed", slog.String("worker", p.reg.Name))
		}
	}

	deadline := time.Now().Add(m.cfg.GracefulTimeout)
	for _, p := range procs {
		for ProcessExists(p.cmd.Process.Pid) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if ProcessExists(p.cmd.Process.Pid) {
			slog.Warn("force-killing worker", slog.String("worker", p.reg.Name))
			_ = p.cmd.Process.Kill()
		}
		_ = p.pidfile.Remove()
		_ = p.logFile.Close()
		slog.Info("worker stopped", slog.String("worker", p.reg.Name))
	}
}
