// Package fs manages filesystems on block devices through the native
// tooling of each filesystem family. It offers one uniform surface over
// ext2/ext3/ext4, XFS, VFAT, F2FS and NTFS covering mkfs, inspection,
// check, repair, resize, relabeling, re-identification, mounting, freezing
// and signature wiping, with per-type capability negotiation.
package fs

import (
	"context"
	"fmt"
	"strings"

	"github.com/blockkit/fsmgr/internal/logger"
	"github.com/blockkit/fsmgr/pkg/exec"
	"github.com/sirupsen/logrus"
)

// Type identifies a filesystem family understood by this package.
type Type string

const (
	Ext2 Type = "ext2"
	Ext3 Type = "ext3"
	Ext4 Type = "ext4"
	XFS  Type = "xfs"
	VFAT Type = "vfat"
	F2FS Type = "f2fs"
	NTFS Type = "ntfs"
)

// Types lists every filesystem type this package manages.
func Types() []Type {
	return []Type{Ext2, Ext3, Ext4, XFS, VFAT, F2FS, NTFS}
}

// ParseType maps a filesystem name, as reported by probing tools or typed
// by a user, to its Type.
func ParseType(name string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("filesystem type %q: %w", name, ErrUnsupportedFilesystem)
}

// Operation enumerates the managed per-filesystem operations.
type Operation int

const (
	OpMkfs Operation = iota + 1
	OpInfo
	OpSize
	OpCheck
	OpRepair
	OpResize
	OpSetLabel
	OpSetUUID
	OpWipe
)

func (o Operation) String() string {
	switch o {
	case OpMkfs:
		return "mkfs"
	case OpInfo:
		return "get-info"
	case OpSize:
		return "get-size"
	case OpCheck:
		return "check"
	case OpRepair:
		return "repair"
	case OpResize:
		return "resize"
	case OpSetLabel:
		return "set-label"
	case OpSetUUID:
		return "set-uuid"
	case OpWipe:
		return "wipe"
	}
	return "unknown"
}

// ExtraArg is one pass-through tool argument appended after the mandatory
// arguments an operation builds itself. Flag semantics are not validated;
// the underlying tool is the authority.
type ExtraArg struct {
	Flag  string
	Value string
}

func extraArgv(extra []ExtraArg) []string {
	argv := make([]string, 0, len(extra)*2)
	for _, a := range extra {
		if a.Flag != "" {
			argv = append(argv, a.Flag)
		}
		if a.Value != "" {
			argv = append(argv, a.Value)
		}
	}
	return argv
}

// Features is a filesystem specific feature bitset. It currently carries
// the f2fs superblock feature word.
type Features uint64

// f2fs superblock feature flags, matching the on-disk feature word.
const (
	FeatureEncrypt Features = 1 << iota
	FeatureBlockZoned
	FeatureAtomicWrite
	FeatureExtraAttr
	FeatureProjectQuota
	FeatureInodeChecksum
	FeatureFlexibleInlineXattr
	FeatureQuotaIno
	FeatureInodeCrtime
	FeatureLostFound
	FeatureVerity
	FeatureSBChecksum
	FeatureCasefold
	FeatureCompression
	FeatureReadOnly
)

// Has reports whether all bits of f are set.
func (fs Features) Has(f Features) bool { return fs&f == f }

// Info is a point-in-time snapshot of a formatted filesystem. It is
// requeried on every call and never cached; any extrinsic operation can
// invalidate it immediately.
//
// BlockSize and BlockCount carry the native geometry unit of the
// filesystem: blocks for the ext family and XFS, clusters for VFAT and
// NTFS, sectors for F2FS. FreeBlocks is zero for filesystems whose tooling
// does not report a free count.
type Info struct {
	Type       Type
	Label      string
	UUID       string
	BlockSize  uint64
	BlockCount uint64
	FreeBlocks uint64
	State      string
	Features   Features
}

// Size returns the filesystem's total size in bytes.
func (i *Info) Size() uint64 { return i.BlockSize * i.BlockCount }

// Filesystem is the per-type adapter every managed filesystem implements.
// Device arguments name raw block devices unless the method documents
// otherwise. A zero newSize means "grow to the maximum the backing device
// currently allows". The safe flag of Resize acknowledges a shrink on
// filesystems whose tooling considers shrinking risky; types without that
// restriction ignore it.
type Filesystem interface {
	Type() Type
	Mkfs(ctx context.Context, device string, extra ...ExtraArg) error
	Info(ctx context.Context, device string) (*Info, error)
	Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error)
	Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error)
	Resize(ctx context.Context, device string, newSize uint64, safe bool, extra ...ExtraArg) error
	SetLabel(ctx context.Context, device, label string) error
	SetUUID(ctx context.Context, device string, u UUID) error
	Wipe(ctx context.Context, device string) error
}

// Manager binds the filesystem adapters to the host collaborators: the
// command executor, the mount service and the probe oracle. Operations on
// the same device must not run concurrently; the Manager performs no
// serialization of its own.
type Manager struct {
	log   *logrus.Entry
	run   exec.Executor
	mnt   Mounter
	probe Prober
	fss   map[Type]Filesystem
}

// Option adjusts Manager construction.
type Option func(*Manager)

// WithExecutor substitutes the command executor.
func WithExecutor(e exec.Executor) Option {
	return func(m *Manager) { m.run = e }
}

// WithMounter substitutes the mount service.
func WithMounter(mnt Mounter) Option {
	return func(m *Manager) { m.mnt = mnt }
}

// WithProber substitutes the probe oracle.
func WithProber(p Prober) Option {
	return func(m *Manager) { m.probe = p }
}

// New builds a Manager wired to the host by default. Tool availability is
// not verified here; it is rechecked on every operation and capability
// query.
func New(log *logrus.Entry, opts ...Option) *Manager {
	m := &Manager{log: log}
	for _, o := range opts {
		o(m)
	}
	if m.run == nil {
		m.run = exec.NewSystem(log)
	}
	if m.mnt == nil {
		m.mnt = newHostMounter(log)
	}
	if m.probe == nil {
		m.probe = newBlkidProber(m.run)
	}
	m.fss = map[Type]Filesystem{
		Ext2: &extFilesystem{m: m, fsType: Ext2},
		Ext3: &extFilesystem{m: m, fsType: Ext3},
		Ext4: &extFilesystem{m: m, fsType: Ext4},
		XFS:  &xfsFilesystem{m: m},
		VFAT: &vfatFilesystem{m: m},
		F2FS: &f2fsFilesystem{m: m},
		NTFS: &ntfsFilesystem{m: m},
	}
	return m
}

// Filesystem returns the adapter for t.
func (m *Manager) Filesystem(t Type) (Filesystem, error) {
	fsys, ok := m.fss[t]
	if !ok {
		return nil, fmt.Errorf("filesystem type %q: %w", string(t), ErrUnsupportedFilesystem)
	}
	return fsys, nil
}

func (m *Manager) logOp(t Type, op Operation, device string) {
	m.log.WithFields(logrus.Fields{
		logger.FsTypeKey:    string(t),
		logger.OperationKey: op.String(),
		logger.DeviceKey:    device,
	}).Debug("starting filesystem operation")
}

// beginOp runs the shared preamble of a device operation: existence check,
// tool availability (with version gates) and the mount-state precondition.
// The fresh mount state is returned for adapters that need the mountpoint.
func (m *Manager) beginOp(ctx context.Context, t Type, op Operation, device string) (MountState, error) {
	m.logOp(t, op, device)
	if err := m.requireTools(ctx, t, op); err != nil {
		return MountState{}, err
	}
	if err := checkDeviceExists(device); err != nil {
		return MountState{}, err
	}
	return m.ensureMountState(ctx, t, op, device)
}

// runTool executes one invocation and classifies any nonzero exit as a
// command failure.
func (m *Manager) runTool(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	res, err := m.run.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, commandFailed(cmd, res)
	}
	return res, nil
}
