//go:build !windows

package engine

import (
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

var errPtyUnavailable = errors.New("pty unavailable")

func runWithPty(cmd *exec.Cmd, output io.Writer) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", errPtyUnavailable, err)
	}
	defer ptmx.Close()

	// Reading returns EIO once the child exits and the slave side closes.
	_, _ = io.Copy(output, ptmx)
	return cmd.Wait()
}
