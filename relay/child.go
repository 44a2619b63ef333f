package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrWrite is returned when a line cannot be written to the child.
var ErrWrite = errors.New("writing to child failed")

type ChildConfig struct {
	Command string
	Args    []string
	// Env is appended to the host environment.
	Env []string
	Dir string

	// Stderr receives the child's stderr verbatim. Defaults to os.Stderr.
	Stderr io.Writer
	Log    *zap.SugaredLogger
}

// Child is a long-lived child process exchanging newline-delimited lines over stdin and stdout.
// The child is only killed when the context passed to StartChild is cancelled.
type Child struct {
	log *zap.SugaredLogger
	ctx context.Context
	cmd *exec.Cmd

	stdinMut sync.Mutex
	stdin    io.WriteCloser

	lines    chan string
	done     chan struct{}
	exitCode int
}

func StartChild(ctx context.Context, cfg ChildConfig) (*Child, error) {
	if cfg.Command == "" {
		return nil, errors.New("no command given")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", cfg.Command, err)
	}
	log.Infow("child process started", "Command", cfg.Command, "PID", cmd.Process.Pid)

	c := &Child{
		log:   log,
		ctx:   ctx,
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go c.readStdout(stdout)
	return c, nil
}

// readStdout pumps stdout into the lines channel, then reaps the process.
// Wait must not be called until stdout has been read to completion.
func (c *Child) readStdout(stdout io.Reader) {
	defer c.wait()
	defer close(c.lines)

	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			select {
			case c.lines <- strings.TrimSuffix(line, "\n"):
			case <-c.ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debugf("stdout reader got error: %s", err)
			}
			return
		}
	}
}

func (c *Child) wait() {
	defer close(c.done)
	err := c.cmd.Wait()
	c.exitCode = c.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.log.Debugf("unexpected wait error: %s", err)
		}
	}
	c.log.Warnw("child process exited", "PID", c.cmd.Process.Pid, "ExitCode", c.exitCode)
}

// WriteLine writes text and a newline to the child's stdin in a single unbuffered write.
func (c *Child) WriteLine(text string) error {
	c.stdinMut.Lock()
	defer c.stdinMut.Unlock()
	_, err := io.WriteString(c.stdin, text+"\n")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWrite, err)
	}
	return nil
}

// Lines returns the child's stdout, one line per value with the newline stripped.
// The channel is closed when the child closes stdout.
func (c *Child) Lines() <-chan string {
	return c.lines
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode is only meaningful after Done is closed.
func (c *Child) ExitCode() int {
	return c.exitCode
}
