package fs

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	udevadmCmd        = "udevadm"
	udevSettleTimeout = "10"
)

// checkDeviceExists verifies the device node (or backing file) is present.
func checkDeviceExists(device string) error {
	if device == "" {
		return fmt.Errorf("no device specified: %w", ErrInvalidArgument)
	}
	if _, err := os.Stat(device); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("device %s: %w", device, ErrDeviceNotFound)
		}
		return fmt.Errorf("stat %s: %w", device, err)
	}
	return nil
}

// deviceSize returns the byte size of a block device via BLKGETSIZE64,
// falling back to the file size for regular files backing a filesystem.
func deviceSize(device string) (uint64, error) {
	f, err := os.Open(device)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("device %s: %w", device, ErrDeviceNotFound)
		}
		return 0, fmt.Errorf("opening %s: %w", device, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", device, err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return uint64(st.Size()), nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("reading size of %s: %w", device, err)
	}
	return uint64(size), nil
}

// deviceReadOnly reports the kernel's read-only flag (BLKROGET) for a
// block device. Regular files are never considered read-only here.
func deviceReadOnly(device string) (bool, error) {
	f, err := os.Open(device)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("device %s: %w", device, ErrDeviceNotFound)
		}
		return false, fmt.Errorf("opening %s: %w", device, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", device, err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return false, nil
	}
	ro, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKROGET)
	if err != nil {
		return false, fmt.Errorf("reading read-only flag of %s: %w", device, err)
	}
	return ro != 0, nil
}

// settleUdev nudges udev to refresh its device metadata after an identity
// change. Hosts without udevadm are fine; the change is already on disk.
func (m *Manager) settleUdev(ctx context.Context, device string) error {
	if _, err := exec.LookPath(udevadmCmd); err != nil {
		return nil
	}
	if _, err := m.run.Run(ctx, exec.Command{Path: udevadmCmd, Args: []string{"trigger", device}}); err != nil {
		return fmt.Errorf("triggering udev for %s: %w", device, err)
	}
	// settling is best effort; a busy udev queue is not a failure
	_, _ = m.run.Run(ctx, exec.Command{Path: udevadmCmd, Args: []string{"settle", "--timeout=" + udevSettleTimeout}})
	return nil
}
