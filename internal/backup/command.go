package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// runCommand executes a shell command, optionally in workdir. Output goes
// straight to the process's stdout/stderr so dump progress is visible.
func runCommand(ctx context.Context, command, workdir string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	if workdir != "" {
		info, err := os.Stat(workdir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("command workdir is not a directory: %s", workdir)
		}

		cmd.Dir = workdir
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %q failed: %w", command, err)
	}

	return nil
}
