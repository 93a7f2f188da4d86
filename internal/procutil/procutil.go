// Package procutil walks the Linux process tree via /proc to resolve the
// user-facing process behind a bus connection.
package procutil

import (
	"fmt"
	"os"
	"strings"
)

// shells is the set of shell process names skipped when walking up the
// tree: a call made from an interactive shell should be attributed to the
// program that started the shell, not the shell itself.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// IsShell reports whether comm names a known shell.
func IsShell(comm string) bool {
	return shells[comm]
}

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadPPID reads the parent PID from /proc/<pid>/stat.
// Returns 0 on any error.
func ReadPPID(pid int32) int32 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Format: "pid (comm) state ppid ..." — comm may contain spaces and
	// parens, so parse from the last ')'.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	var ppid int32
	fmt.Sscanf(fields[1], "%d", &ppid)
	return ppid
}

// ResolveInvoker walks from pid toward init, skipping shell processes, to
// find the user-facing invoker. Returns the invoker's comm name and PID,
// or ("", 0) if /proc is unreadable.
func ResolveInvoker(pid uint32) (comm string, invokerPID uint32) {
	p := int32(pid)
	comm = ReadComm(p)
	if comm == "" {
		return "", 0
	}
	if !IsShell(comm) {
		return comm, pid
	}

	for p = ReadPPID(p); p > 1; p = ReadPPID(p) {
		c := ReadComm(p)
		if c == "" {
			break
		}
		if !IsShell(c) {
			return c, uint32(p)
		}
	}

	// Every ancestor is a shell; fall back to the original process.
	return ReadComm(int32(pid)), pid
}
