package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecSource runs a recorder command that writes raw PCM to stdout, such as
// arecord or sox.
type ExecSource struct {
	args  []string
	probe time.Duration
}

func NewExecSource(command string) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecSource{args: args, probe: 150 * time.Millisecond}, nil
}

func (e *ExecSource) Open(ctx context.Context, _ Format) (Stream, error) {
	path, err := exec.LookPath(e.args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, e.args[0])
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd := exec.CommandContext(ctx, path, e.args[1:]...)
	stderr := &lockedBuffer{}
	cmd.Stdout = pw
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	pw.Close()

	s := &execStream{cmd: cmd, pr: pr, exited: make(chan struct{})}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	select {
	case <-s.exited:
		if s.waitErr != nil {
			pr.Close()
			return nil, classify(s.waitErr, stderr.String())
		}
	case <-time.After(e.probe):
	}
	return s, nil
}

func classify(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, detail)
}

type execStream struct {
	cmd     *exec.Cmd
	pr      *os.File
	exited  chan struct{}
	waitErr error
}

func (s *execStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *execStream) Stop() error {
	select {
	case <-s.exited:
		return nil
	default:
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (s *execStream) Close() error {
	select {
	case <-s.exited:
	default:
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
	return s.pr.Close()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
