//go:build unix

package embedding

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the worker in its own process group so it and
// anything it spawns can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// the group id equals the leader pid because of Setpgid
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func signalName(state *exitState) string {
	if state.signal == 0 {
		return ""
	}
	return unix.SignalName(unix.Signal(state.signal))
}

func exitStateOf(cmd *exec.Cmd) *exitState {
	ps := cmd.ProcessState
	if ps == nil {
		return &exitState{code: -1}
	}
	st := &exitState{code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signal = int(ws.Signal())
	}
	return st
}
