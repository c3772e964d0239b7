package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/task"
)

// exitYield is the exit status a command uses to hand its task back.
const exitYield = 75

// CommandExecutor runs a command per task. The task is described to the
// command through DISPATCH_* environment variables. Exit status 0 completes
// the task, 75 yields it and anything else is a failure.
type CommandExecutor struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

func (c *CommandExecutor) Execute(ctx context.Context, t *task.Task) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), taskEnv(t)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == exitYield {
		return ErrYield
	}
	if msg := tail(stderr.String()); msg != "" {
		return fmt.Errorf("%s: %w: %s", c.Command[0], err, msg)
	}
	return fmt.Errorf("%s: %w", c.Command[0], err)
}

func taskEnv(t *task.Task) []string {
	return []string{
		"DISPATCH_TASK_ID=" + strconv.FormatInt(t.ID, 10),
		"DISPATCH_TASK_CODE=" + t.Code,
		"DISPATCH_TASK_NAME=" + t.Name,
		"DISPATCH_TASK_DESCRIPTION=" + t.Description,
		"DISPATCH_TASK_CAPABILITIES=" + strings.Join(t.RequiredCapabilities, ","),
		"DISPATCH_WORKER=" + t.Owner,
	}
}

// tail keeps the last 512 bytes of command output for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
