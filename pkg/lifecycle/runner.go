package lifecycle

import (
	"context"
	stderrors "errors"
	"io"
	"os/exec"
	"runtime"
)

// Command is one lifecycle script invocation.
type Command struct {
	Dir    string   // working directory, the package's install path
	Script string   // shell command line from package.json
	Env    []string // complete environment in KEY=value form
}

// Runner executes lifecycle scripts.
type Runner interface {
	// Run executes cmd and returns its exit code. A non-nil error means the
	// process could not be run at all.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// ShellRunner runs scripts through the platform shell: "sh -c" on Unix and
// "cmd /d /s /c" on Windows.
type ShellRunner struct {
	// Shell overrides the shell binary.
	Shell string

	// Stdout and Stderr receive the script's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Run implements Runner.
func (r ShellRunner) Run(ctx context.Context, cmd Command) (int, error) {
	name, args := r.shell(cmd.Script)

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = writerOrDiscard(r.Stdout)
	c.Stderr = writerOrDiscard(r.Stderr)

	err := c.Run()
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (r ShellRunner) shell(script string) (string, []string) {
	if runtime.GOOS == "windows" {
		name := r.Shell
		if name == "" {
			name = "cmd"
		}
		return name, []string{"/d", "/s", "/c", script}
	}
	name := r.Shell
	if name == "" {
		name = "sh"
	}
	return name, []string{"-c", script}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
