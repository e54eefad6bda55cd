//go:build linux || darwin

package sandbox

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

func applyLimits() error {
	if err := setLimit(unix.RLIMIT_CPU, EnvCPUSeconds); err != nil {
		return err
	}
	return setLimit(unix.RLIMIT_AS, EnvAddressSpace)
}

func setLimit(resource int, env string) error {
	raw := os.Getenv(env)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	if n == 0 {
		return nil
	}
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: n, Max: n})
}
