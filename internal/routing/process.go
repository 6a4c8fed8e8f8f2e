package routing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const stopGrace = 30 * time.Second

// pipeDrain bounds how long output is read after the process exited. A
// descendant that inherited stdout would otherwise keep the pipes open.
const pipeDrain = 2 * time.Second

// Process runs an engine binary and watches its output for a readiness line.
type Process struct {
	Name           string
	Path           string
	Args           []string
	Dir            string
	Ready          string
	StartupTimeout time.Duration
	Logger         *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *Process) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// Run executes the command to completion, forwarding its output to the logger.
func (p *Process) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Dir = p.Dir
	w := &lineWriter{prefix: "[" + p.Name + "] ", logger: p.logger()}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = pipeDrain
	err := cmd.Run()
	w.flush()
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.Name, strings.Join(p.Args, " "), err)
	}
	return nil
}

// Start launches the process and blocks until the readiness line appears on
// stdout, the process exits, the startup timeout elapses or ctx is cancelled.
// On every failure the process is stopped before returning.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return fmt.Errorf("%s already started", p.Name)
	}
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Dir = p.Dir
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = pipeDrain
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.Name, err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.mu.Unlock()

	ready := make(chan struct{})
	var readyOnce sync.Once
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.scan(stdout, "["+p.Name+"] ", func(line string) {
			if p.Ready != "" && strings.Contains(line, p.Ready) {
				readyOnce.Do(func() { close(ready) })
			}
		})
	}()
	go func() {
		defer readers.Done()
		p.scan(stderr, "["+p.Name+".err] ", nil)
	}()
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		readers.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	timeout := p.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		p.logger().Printf("%s ready", p.Name)
		return nil
	case <-p.done:
		p.mu.Lock()
		werr := p.waitErr
		p.mu.Unlock()
		return fmt.Errorf("%s exited before it was ready: %v", p.Name, werr)
	case <-timer.C:
		_ = p.Stop()
		return fmt.Errorf("%s not ready after %s", p.Name, timeout)
	case <-ctx.Done():
		_ = p.Stop()
		return ctx.Err()
	}
}

func (p *Process) scan(r io.Reader, prefix string, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.logger().Print(prefix + line)
		if onLine != nil {
			onLine(line)
		}
	}
	// keep the writer unblocked after an overlong line
	_, _ = io.Copy(io.Discard, r)
}

// Running reports whether the process was started and has not exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop interrupts the process and waits for it to exit, killing it after a
// grace period. Calling Stop on a stopped or never started process is a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd = nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// interrupts are unsupported on some platforms
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		p.logger().Printf("%s ignored interrupt, killing", p.Name)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-done
	}
	p.logger().Printf("%s stopped", p.Name)
	return nil
}

// lineWriter logs complete lines written to it.
type lineWriter struct {
	prefix string
	logger *log.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		w.logger.Print(w.prefix + strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.logger.Print(w.prefix + string(w.buf))
		w.buf = nil
	}
}
