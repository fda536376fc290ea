//go:build !linux

package throttle

import (
	"fmt"
	"time"
)

// unsupportedController reports sampling as failed on platforms without a
// native implementation, which makes an attached throttle stop quietly.
type unsupportedController struct{}

func defaultController() ProcessController {
	return unsupportedController{}
}

func (unsupportedController) Usage(pid int) (time.Duration, error) {
	return 0, fmt.Errorf("throttle: process usage sampling not supported on this platform")
}

func (unsupportedController) Suspend(int) error { return nil }

func (unsupportedController) Resume(int) error { return nil }
