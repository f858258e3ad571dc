package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"k8s.io/mount-utils"

	"github.com/blockkit/fsmgr/internal/logger"
)

const (
	mountCmd  = "mount"
	umountCmd = "umount"
)

// MountRequest describes a mount operation. Either Device or Target may be
// left empty, in which case mount(8) resolves the other from fstab.
type MountRequest struct {
	Device string
	Target string
	FSType string
	// Options is a comma separated mount option string, as on the mount
	// command line.
	Options string
	// RunAsUID and RunAsGID, when non-empty, are numeric credentials the
	// mount command runs under.
	RunAsUID string
	RunAsGID string
}

func (r MountRequest) what() string {
	if r.Device != "" {
		return r.Device
	}
	return r.Target
}

// MountState is a point-in-time view of one device's presence in the mount
// table. The zero value means unmounted.
type MountState struct {
	Mountpoint string
	ReadOnly   bool
}

// Mounted reports whether the device is in the mount table.
func (s MountState) Mounted() bool { return s.Mountpoint != "" }

// Mounter is the host mount service. Implementations answer strictly from
// the live mount table; results are never cached.
type Mounter interface {
	Mount(ctx context.Context, req MountRequest) error
	Unmount(ctx context.Context, target string, lazy, force bool) error
	State(ctx context.Context, device string) (MountState, error)
	IsMountpoint(path string) (bool, error)
	MountpointOf(ctx context.Context, device string) (string, error)
}

type hostMounter struct {
	log *logrus.Entry
	mnt mount.Interface
}

func newHostMounter(log *logrus.Entry) *hostMounter {
	return &hostMounter{log: log, mnt: mount.New("")}
}

func buildMountArgs(req MountRequest) ([]string, error) {
	if req.Device == "" && req.Target == "" {
		return nil, fmt.Errorf("mount needs a device or a mountpoint: %w", ErrInvalidArgument)
	}
	args := make([]string, 0, 6)
	if req.FSType != "" {
		args = append(args, "-t", req.FSType)
	}
	if req.Options != "" {
		args = append(args, "-o", req.Options)
	}
	if req.Device != "" {
		args = append(args, req.Device)
	}
	if req.Target != "" {
		args = append(args, req.Target)
	}
	return args, nil
}

// runAsCredential converts the numeric RunAs fields to process credentials.
// With both empty no credential switch happens. A field that does not parse
// as an unsigned number is an invalid argument.
func runAsCredential(uid, gid string) (*syscall.Credential, error) {
	if uid == "" && gid == "" {
		return nil, nil
	}
	cred := &syscall.Credential{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	if uid != "" {
		n, err := strconv.ParseUint(uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("run-as uid %q is not a number: %w", uid, ErrInvalidArgument)
		}
		cred.Uid = uint32(n)
	}
	if gid != "" {
		n, err := strconv.ParseUint(gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("run-as gid %q is not a number: %w", gid, ErrInvalidArgument)
		}
		cred.Gid = uint32(n)
	}
	return cred, nil
}

func (h *hostMounter) Mount(ctx context.Context, req MountRequest) error {
	args, err := buildMountArgs(req)
	if err != nil {
		return err
	}
	cred, err := runAsCredential(req.RunAsUID, req.RunAsGID)
	if err != nil {
		return err
	}
	if req.Target != "" {
		if err := os.MkdirAll(req.Target, 0o750); err != nil {
			return fmt.Errorf("creating mountpoint %s: %w", req.Target, err)
		}
	}

	h.log.WithFields(logrus.Fields{
		logger.CommandKey:     mountCmd,
		logger.CommandArgsKey: strings.Join(args, " "),
	}).Debug("executing mount command")

	cmd := osexec.CommandContext(ctx, mountCmd, args...)
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		output := strings.TrimSpace(string(out))
		if isPermissionOutput(output) {
			return fmt.Errorf("mounting %s: %s: %w", req.what(), output, ErrPermissionDenied)
		}
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{Path: mountCmd, Args: args, ExitCode: exitErr.ExitCode(), Output: output}
		}
		return fmt.Errorf("mounting %s: %w", req.what(), err)
	}
	return nil
}

func isPermissionOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "permission denied") || strings.Contains(lower, "only root can")
}

func (h *hostMounter) Unmount(ctx context.Context, target string, lazy, force bool) error {
	args := make([]string, 0, 3)
	if lazy {
		args = append(args, "-l")
	}
	if force {
		args = append(args, "-f")
	}
	args = append(args, target)

	h.log.WithFields(logrus.Fields{
		logger.CommandKey:     umountCmd,
		logger.CommandArgsKey: strings.Join(args, " "),
	}).Debug("executing unmount command")

	out, err := osexec.CommandContext(ctx, umountCmd, args...).CombinedOutput()
	if err != nil {
		output := strings.TrimSpace(string(out))
		if strings.Contains(strings.ToLower(output), "not mounted") {
			return fmt.Errorf("%s: %w", target, ErrNotMounted)
		}
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{Path: umountCmd, Args: args, ExitCode: exitErr.ExitCode(), Output: output}
		}
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

func (h *hostMounter) State(ctx context.Context, device string) (MountState, error) {
	resolved := device
	if r, err := filepath.EvalSymlinks(device); err == nil {
		resolved = r
	}
	mounts, err := h.mnt.List()
	if err != nil {
		return MountState{}, fmt.Errorf("listing mounts: %w", err)
	}
	for _, mp := range mounts {
		dev := mp.Device
		if dev != device && dev != resolved && strings.HasPrefix(dev, "/dev/") {
			if r, err := filepath.EvalSymlinks(dev); err == nil {
				dev = r
			}
		}
		if dev == device || dev == resolved {
			return MountState{Mountpoint: mp.Path, ReadOnly: hasMountOption(mp.Opts, "ro")}, nil
		}
	}
	return MountState{}, nil
}

func (h *hostMounter) IsMountpoint(path string) (bool, error) {
	ok, err := h.mnt.IsMountPoint(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking mountpoint %s: %w", path, err)
	}
	return ok, nil
}

func (h *hostMounter) MountpointOf(ctx context.Context, device string) (string, error) {
	st, err := h.State(ctx, device)
	if err != nil {
		return "", err
	}
	return st.Mountpoint, nil
}

func hasMountOption(opts []string, opt string) bool {
	for _, o := range opts {
		if o == opt {
			return true
		}
	}
	return false
}

func splitMountOptions(options string) []string {
	if options == "" {
		return nil
	}
	return strings.Split(options, ",")
}

func joinMountOptions(options, opt string) string {
	if options == "" {
		return opt
	}
	return options + "," + opt
}

// Mount attaches a filesystem. With only one of device and target given,
// mount(8) resolves the other from fstab. An empty FSType is filled in by
// probing when the device is known. A read-only device is silently mounted
// read-only; explicitly asking for rw on such a device fails with
// ErrPermissionDenied.
func (m *Manager) Mount(ctx context.Context, req MountRequest) error {
	if req.Device == "" && req.Target == "" {
		return fmt.Errorf("mount needs a device or a mountpoint: %w", ErrInvalidArgument)
	}
	if _, err := runAsCredential(req.RunAsUID, req.RunAsGID); err != nil {
		return err
	}
	if req.Device != "" {
		if err := checkDeviceExists(req.Device); err != nil {
			return err
		}
		ro, err := deviceReadOnly(req.Device)
		if err != nil {
			return err
		}
		if ro {
			opts := splitMountOptions(req.Options)
			if hasMountOption(opts, "rw") {
				return fmt.Errorf("device %s is read-only and cannot be mounted read-write: %w",
					req.Device, ErrPermissionDenied)
			}
			if !hasMountOption(opts, "ro") {
				m.log.WithFields(logrus.Fields{
					logger.DeviceKey:       req.Device,
					logger.MountTargetKey:  req.Target,
					logger.MountOptionsKey: req.Options,
				}).Info("device is read-only, falling back to a read-only mount")
				req.Options = joinMountOptions(req.Options, "ro")
			}
		}
		if req.FSType == "" {
			if pr, err := m.probe.Probe(ctx, req.Device); err == nil && pr != nil && pr.Type != "" {
				req.FSType = pr.Type
			}
		}
	}

	m.log.WithFields(logrus.Fields{
		logger.MountSourceKey:  req.Device,
		logger.MountTargetKey:  req.Target,
		logger.FsTypeKey:       req.FSType,
		logger.MountOptionsKey: req.Options,
	}).Info("mounting filesystem")
	return m.mnt.Mount(ctx, req)
}

// Unmount detaches the filesystem at target, which may name either the
// mountpoint or the mounted device. Lazy and force map to umount -l and -f.
func (m *Manager) Unmount(ctx context.Context, target string, lazy, force bool) error {
	if target == "" {
		return fmt.Errorf("no unmount target specified: %w", ErrInvalidArgument)
	}
	ok, err := m.mnt.IsMountpoint(target)
	if err != nil {
		return err
	}
	if !ok {
		st, err := m.mnt.State(ctx, target)
		if err != nil {
			return err
		}
		if !st.Mounted() {
			return fmt.Errorf("%s: %w", target, ErrNotMounted)
		}
	}
	m.log.WithFields(logrus.Fields{logger.MountTargetKey: target}).Info("unmounting filesystem")
	return m.mnt.Unmount(ctx, target, lazy, force)
}

// IsMountpoint reports whether path is currently a mountpoint.
func (m *Manager) IsMountpoint(path string) (bool, error) {
	return m.mnt.IsMountpoint(path)
}

// MountpointOf returns where device is mounted, or empty when it is not.
func (m *Manager) MountpointOf(ctx context.Context, device string) (string, error) {
	return m.mnt.MountpointOf(ctx, device)
}

// mountRequirement is the mount-state precondition an operation enforces
// before its tool runs.
type mountRequirement int

const (
	anyMountState mountRequirement = iota
	requireUnmounted
	requireMounted
	// requireUnmountedOrRO admits read-only mounts, for tools that open
	// the device directly but never write it.
	requireUnmountedOrRO
)

// mountGuards maps (type, operation) to its precondition. Pairs not listed
// accept any mount state.
var mountGuards = map[Type]map[Operation]mountRequirement{
	Ext2: extMountGuards(),
	Ext3: extMountGuards(),
	Ext4: extMountGuards(),
	XFS: {
		OpMkfs:     requireUnmounted,
		OpInfo:     requireMounted,
		OpCheck:    requireUnmountedOrRO,
		OpRepair:   requireUnmounted,
		OpSetLabel: requireUnmounted,
		OpSetUUID:  requireUnmounted,
		OpWipe:     requireUnmounted,
	},
	VFAT: {
		OpMkfs:     requireUnmounted,
		OpCheck:    requireUnmounted,
		OpRepair:   requireUnmounted,
		OpResize:   requireUnmounted,
		OpSetLabel: requireUnmounted,
		OpWipe:     requireUnmounted,
	},
	F2FS: {
		OpMkfs:   requireUnmounted,
		OpCheck:  requireUnmounted,
		OpRepair: requireUnmounted,
		OpResize: requireUnmounted,
		OpWipe:   requireUnmounted,
	},
	NTFS: {
		OpMkfs:     requireUnmounted,
		OpInfo:     requireUnmounted,
		OpCheck:    requireUnmounted,
		OpRepair:   requireUnmounted,
		OpResize:   requireUnmounted,
		OpSetLabel: requireUnmounted,
		OpSetUUID:  requireUnmounted,
		OpWipe:     requireUnmounted,
	},
}

// The ext tools run in most mount states themselves; only destructive
// whole-device operations are guarded here. Unsafe repair adds its own
// read-write mount check in the adapter.
func extMountGuards() map[Operation]mountRequirement {
	return map[Operation]mountRequirement{
		OpMkfs: requireUnmounted,
		OpWipe: requireUnmounted,
	}
}

// ensureMountState queries the live mount table and enforces the guard for
// (t, op) on device.
func (m *Manager) ensureMountState(ctx context.Context, t Type, op Operation, device string) (MountState, error) {
	st, err := m.mnt.State(ctx, device)
	if err != nil {
		return st, err
	}
	switch mountGuards[t][op] {
	case requireUnmounted:
		if st.Mounted() {
			return st, fmt.Errorf("%s %s: device is mounted at %s: %w", t, op, st.Mountpoint, ErrDeviceBusy)
		}
	case requireMounted:
		if !st.Mounted() {
			return st, fmt.Errorf("%s %s: %s: %w", t, op, device, ErrNotMounted)
		}
	case requireUnmountedOrRO:
		if st.Mounted() && !st.ReadOnly {
			return st, fmt.Errorf("%s %s: device is mounted read-write at %s: %w", t, op, st.Mountpoint, ErrDeviceBusy)
		}
	}
	return st, nil
}
