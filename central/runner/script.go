package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// Environment variables handed to script subprocesses
const (
	EnvRunID       = "ZUBOT_RUN_ID"
	EnvTaskID      = "ZUBOT_TASK_ID"
	EnvPayloadJSON = "ZUBOT_TASK_PAYLOAD_JSON"
)

// terminateGrace is how long a script gets between SIGTERM and SIGKILL
const terminateGrace = 5 * time.Second

// ScriptHandler runs script profiles as child processes. Each child runs in
// its own process group so teardown reaches grandchildren too.
type ScriptHandler struct {
	repoRoot string
	logDir   string
	logger   *zap.SugaredLogger
}

// NewScriptHandler creates the script kind handler. Entrypoints are resolved
// relative to repoRoot; per-run logs land under logDir.
func NewScriptHandler(repoRoot, logDir string, logger *zap.SugaredLogger) *ScriptHandler {
	return &ScriptHandler{repoRoot: repoRoot, logDir: logDir, logger: logger}
}

func (h *ScriptHandler) Kind() store.TaskKind {
	return store.KindScript
}

func (h *ScriptHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	argv, err := shellquote.Split(inv.Profile.Entrypoint)
	if err != nil {
		return nil, errors.Wrapf(err, "bad entrypoint for task %s", inv.Profile.TaskID)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("task %s has an empty entrypoint", inv.Profile.TaskID)
	}

	scriptPath, err := h.resolveScriptPath(argv[0])
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(h.logDir, inv.Profile.TaskID, inv.Run.RunID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create run log directory")
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run log file")
	}
	defer logFile.Close()

	tail := newTailBuffer(4096)
	output := io.MultiWriter(logFile, tail)

	cmd := exec.Command(scriptPath, argv[1:]...)
	cmd.Dir = h.repoRoot
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+inv.Run.RunID,
		EnvTaskID+"="+inv.Profile.TaskID,
		EnvPayloadJSON+"="+string(inv.Run.PayloadJSON),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start script %s", scriptPath)
	}

	h.logger.Infow("Script started",
		"run_id", inv.Run.RunID,
		"task_id", inv.Profile.TaskID,
		"pid", cmd.Process.Pid,
		"log", logPath)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		h.terminate(cmd, waitErr)
		return nil, ctx.Err()
	}

	if err != nil {
		msg := err.Error()
		if line := tail.lastLine(); line != "" {
			msg = msg + ": " + line
		}
		return &Result{Status: store.RunFailed, Error: msg}, nil
	}

	summary := tail.lastLine()
	if summary == "" {
		summary = "ok"
	}
	return &Result{Status: store.RunDone, Summary: summary}, nil
}

// terminate tears down the whole process group: SIGTERM, a short grace
// period, then SIGKILL
func (h *ScriptHandler) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-waitErr:
		return
	case <-time.After(terminateGrace):
	}

	h.logger.Warnw("Script ignored SIGTERM, killing process group", "pgid", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-waitErr
}

// resolveScriptPath confines entrypoints to the repository root
func (h *ScriptHandler) resolveScriptPath(entry string) (string, error) {
	if filepath.IsAbs(entry) {
		return "", errors.NewInvalidRequestError("script path must be repo-relative: %s", entry)
	}
	clean := filepath.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.NewInvalidRequestError("script path escapes repository root: %s", entry)
	}

	abs := filepath.Join(h.repoRoot, clean)
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.Wrapf(err, "script not found: %s", entry)
	}
	if info.IsDir() {
		return "", errors.NewInvalidRequestError("script path is a directory: %s", entry)
	}
	return abs, nil
}

// tailBuffer keeps the last max bytes written, for result summaries
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

// lastLine returns the final non-empty output line
func (b *tailBuffer) lastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(string(b.buf), "\r\n \t")
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
