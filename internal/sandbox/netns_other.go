//go:build unix && !linux

package sandbox

import "syscall"

// Network namespaces are Linux only; the interpreter-level net stub still
// applies.
func isolate(*syscall.SysProcAttr) {}
