package fs

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blockkit/fsmgr/internal/logger"
)

// FIFREEZE and FITHAW ioctl request numbers from the Linux UAPI
// (include/uapi/linux/fs.h: _IOWR('X', 119, int) and _IOWR('X', 120, int));
// golang.org/x/sys/unix does not define them.
const (
	fiFreeze = 0xc0045877
	fiThaw   = 0xc0045878
)

// Freeze suspends writes to the filesystem mounted at mountpoint. Reads
// keep working; modifications block until Unfreeze. Freezing something
// that is not a mountpoint fails with ErrNotMounted before any ioctl, a
// filesystem without freeze support with ErrUnsupportedOperation, and an
// already frozen filesystem with ErrDeviceBusy.
func (m *Manager) Freeze(ctx context.Context, mountpoint string) error {
	m.log.WithFields(logrus.Fields{logger.MountTargetKey: mountpoint}).Debug("freezing filesystem")
	if err := m.requireMountpoint(mountpoint); err != nil {
		return err
	}
	f, err := os.Open(mountpoint)
	if err != nil {
		return fmt.Errorf("opening %s: %w", mountpoint, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), fiFreeze, 0); err != nil {
		return fmt.Errorf("freezing %s: %w", mountpoint, classifyFreezeErrno(err))
	}
	return nil
}

// Unfreeze resumes writes to the filesystem mounted at mountpoint. Thawing
// a filesystem that is not frozen fails with ErrInvalidArgument.
func (m *Manager) Unfreeze(ctx context.Context, mountpoint string) error {
	m.log.WithFields(logrus.Fields{logger.MountTargetKey: mountpoint}).Debug("thawing filesystem")
	if err := m.requireMountpoint(mountpoint); err != nil {
		return err
	}
	f, err := os.Open(mountpoint)
	if err != nil {
		return fmt.Errorf("opening %s: %w", mountpoint, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), fiThaw, 0); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("thawing %s: not frozen: %w", mountpoint, ErrInvalidArgument)
		}
		return fmt.Errorf("thawing %s: %w", mountpoint, classifyFreezeErrno(err))
	}
	return nil
}

func (m *Manager) requireMountpoint(path string) error {
	ok, err := m.mnt.IsMountpoint(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a mountpoint: %w", path, ErrNotMounted)
	}
	return nil
}

// classifyFreezeErrno maps the freeze ioctl errnos onto the error kinds of
// this package.
func classifyFreezeErrno(err error) error {
	switch {
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("already frozen: %w", ErrDeviceBusy)
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOTTY):
		return ErrUnsupportedOperation
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return ErrPermissionDenied
	}
	return err
}
