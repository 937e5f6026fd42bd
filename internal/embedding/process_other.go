//go:build !unix

package embedding

import (
	"os/exec"
	"strconv"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminateGroup has no graceful variant here; descendants are not tracked.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func signalName(state *exitState) string {
	if state.signal == 0 {
		return ""
	}
	return "signal " + strconv.Itoa(state.signal)
}

func exitStateOf(cmd *exec.Cmd) *exitState {
	if cmd.ProcessState == nil {
		return &exitState{code: -1}
	}
	return &exitState{code: cmd.ProcessState.ExitCode()}
}
