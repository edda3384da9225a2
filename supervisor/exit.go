package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Exit describes how a worker terminated. Every exit is handled the same
// way; the fields only feed the log line.
type Exit struct {
	Handle *Handle
	// Code is the exit status, or -1 if the worker was killed by a signal
	// or never reported one.
	Code int
	// Signal is the name of the terminating signal, if any.
	Signal string
	// Err is what (*exec.Cmd).Wait returned.
	Err error
}

func newExit(h *Handle, state *os.ProcessState, err error) Exit {
	e := Exit{Handle: h, Code: -1, Err: err}
	if state == nil {
		return e
	}
	e.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Signal = ws.Signal().String()
	}
	return e
}

// Error allows an Exit to be passed through error returns.
func (e Exit) Error() string {
	pid := 0
	if e.Handle != nil {
		pid = e.Handle.Pid
	}
	if e.Code == 0 {
		return fmt.Sprintf("worker %d exited normally", pid)
	}
	bits := []string{fmt.Sprintf("status=%d", e.Code)}
	if e.Signal != "" {
		bits = append(bits, "signal="+e.Signal)
	}
	if e.Code == -1 && e.Signal == "" && e.Err != nil {
		bits = append(bits, "err="+e.Err.Error())
	}
	return fmt.Sprintf("worker %d exited with %s", pid, strings.Join(bits, ", "))
}
