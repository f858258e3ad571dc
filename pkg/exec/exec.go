// Package exec runs the external filesystem utilities on behalf of the
// management layer and captures their outcome.
package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"

	"github.com/blockkit/fsmgr/internal/logger"
	"github.com/blockkit/fsmgr/pkg/progress"
	"github.com/sirupsen/logrus"
)

// Command describes a single tool invocation.
type Command struct {
	Path string
	Args []string

	// Input, when non-empty, is written to the tool's standard input.
	Input string

	// Progress and ParseProgress, when both set, attach a progress stream:
	// the child is given an extra pipe as file descriptor 3 and every line
	// it writes there is handed to ParseProgress; parsed percentages are
	// forwarded to the task.
	Progress      *progress.Task
	ParseProgress func(line string) (percent int, ok bool)
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a finished invocation. A nonzero ExitCode is not
// an error at this layer; callers interpret exit codes per tool.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns the most relevant tool output for error reporting: trimmed
// stderr, falling back to stdout, with newlines collapsed.
func (r *Result) Output() string {
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	return strings.ReplaceAll(out, "\n", "; ")
}

// Executor runs external commands. The process-backed implementation is
// System; tests substitute scripted fakes.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// LookPath reports where tool lives on the current executable search path.
// The lookup is performed fresh on every call so PATH changes between calls
// are honored.
func LookPath(tool string) (string, error) {
	path, err := osexec.LookPath(tool)
	if err != nil {
		if errors.Is(err, osexec.ErrNotFound) {
			return "", fmt.Errorf("%q executable not found in $PATH", tool)
		}
		return "", err
	}
	return path, nil
}

// System executes commands as child processes of the current process.
type System struct {
	log *logrus.Entry
}

func NewSystem(log *logrus.Entry) *System {
	return &System{log: log}
}

// Run starts the command and waits for it to finish. The returned error is
// non-nil only when the command could not be run at all; a tool that ran and
// exited nonzero yields a nil error and the exit code in the result.
func (s *System) Run(ctx context.Context, cmd Command) (*Result, error) {
	s.log.WithFields(logrus.Fields{logger.CommandKey: cmd.Path, logger.CommandArgsKey: cmd.Args}).Debug("executing command")

	c := osexec.CommandContext(ctx, cmd.Path, cmd.Args...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Input != "" {
		c.Stdin = strings.NewReader(cmd.Input)
	}

	var (
		progressRead  *os.File
		progressWrite *os.File
		progressDone  chan struct{}
	)
	if cmd.Progress != nil && cmd.ParseProgress != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating progress pipe: %w", err)
		}
		// the child sees the write end as file descriptor 3
		c.ExtraFiles = []*os.File{w}
		progressRead, progressWrite = r, w
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				if pct, ok := cmd.ParseProgress(scanner.Text()); ok {
					cmd.Progress.Update(pct, "")
				}
			}
		}()
	}

	if err := c.Start(); err != nil {
		if progressWrite != nil {
			progressWrite.Close()
			<-progressDone
			progressRead.Close()
		}
		if errors.Is(err, osexec.ErrNotFound) {
			return nil, fmt.Errorf("%q executable not found in $PATH", cmd.Path)
		}
		return nil, fmt.Errorf("starting %s failed: %w", cmd.Path, err)
	}
	if progressWrite != nil {
		// drop the parent's copy so the reader sees EOF once the child exits
		progressWrite.Close()
	}

	err := c.Wait()
	if progressDone != nil {
		<-progressDone
		progressRead.Close()
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running %s failed: %w", cmd.Path, err)
	}
	return res, nil
}
