//go:build !unix

package stagerun

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
