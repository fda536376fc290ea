//go:build linux

package throttle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// userHz is the kernel's USER_HZ, the unit of utime/stime in /proc. It has
// been fixed at 100 on Linux for all supported architectures.
const userHz = 100

// OSController controls processes with stop/continue signals and samples CPU
// usage from /proc.
type OSController struct{}

func defaultController() ProcessController {
	return OSController{}
}

// Usage returns the cumulative user+system CPU time of pid.
func (OSController) Usage(pid int) (time.Duration, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field is parenthesized and may contain spaces; fields are
	// positional only after the closing paren.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0, fmt.Errorf("throttle: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[i+1:])
	// fields[0] is the state (field 3 overall); utime and stime are fields
	// 14 and 15 overall.
	if len(fields) < 13 {
		return 0, fmt.Errorf("throttle: short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("throttle: parse utime for pid %d: %w", pid, err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("throttle: parse stime for pid %d: %w", pid, err)
	}
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / userHz, nil
}

// Suspend stops pid's scheduling with SIGSTOP.
func (OSController) Suspend(pid int) error {
	return unix.Kill(pid, unix.SIGSTOP)
}

// Resume restores pid's scheduling with SIGCONT.
func (OSController) Resume(pid int) error {
	return unix.Kill(pid, unix.SIGCONT)
}
