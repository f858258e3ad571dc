package exec_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/blockkit/fsmgr/pkg/exec"
	"github.com/blockkit/fsmgr/pkg/progress"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor() *exec.System {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return exec.NewSystem(logrus.NewEntry(log))
}

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), exec.Command{
		Path: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunReportsExitCodeWithoutError(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), exec.Command{
		Path: "sh",
		Args: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunFeedsInput(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), exec.Command{
		Path:  "sh",
		Args:  []string{"-c", "cat"},
		Input: "y\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "y\n", res.Stdout)
}

func TestRunMissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := newTestExecutor().Run(context.Background(), exec.Command{Path: "fsmgr-no-such-tool"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable not found in $PATH")
}

type reportSink struct {
	mu      sync.Mutex
	reports []progress.Report
}

func (s *reportSink) Report(r progress.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func TestRunForwardsProgressStream(t *testing.T) {
	t.Parallel()

	sink := &reportSink{}
	ctx := progress.NewContext(context.Background(), sink)
	task := progress.Begin(ctx, "check")

	res, err := newTestExecutor().Run(ctx, exec.Command{
		Path:     "sh",
		Args:     []string{"-c", "echo 25 >&3; echo 75 >&3"},
		Progress: task,
		ParseProgress: func(line string) (int, bool) {
			switch line {
			case "25":
				return 25, true
			case "75":
				return 75, true
			}
			return 0, false
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	task.Done()

	percents := make([]int, 0, len(sink.reports))
	for _, r := range sink.reports {
		percents = append(percents, r.Percent)
	}
	assert.Equal(t, []int{0, 25, 75, 100}, percents)
}

func TestResultOutputPrefersStderr(t *testing.T) {
	t.Parallel()

	res := &exec.Result{Stdout: "stdout text", Stderr: "first line\nsecond line\n"}
	assert.Equal(t, "first line; second line", res.Output())

	res = &exec.Result{Stdout: " stdout only \n"}
	assert.Equal(t, "stdout only", res.Output())
}

func TestLookPath(t *testing.T) {
	t.Parallel()

	path, err := exec.LookPath("sh")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	_, err = exec.LookPath("fsmgr-no-such-tool")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fsmgr-no-such-tool" executable not found in $PATH`)
}
