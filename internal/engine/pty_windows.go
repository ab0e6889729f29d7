//go:build windows

package engine

import (
	"errors"
	"io"
	"os/exec"
)

var errPtyUnavailable = errors.New("pty unavailable")

func runWithPty(*exec.Cmd, io.Writer) error {
	return errPtyUnavailable
}
