package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	mkfsXfsCmd   = "mkfs.xfs"
	xfsAdminCmd  = "xfs_admin"
	xfsInfoCmd   = "xfs_info"
	xfsDbCmd     = "xfs_db"
	xfsRepairCmd = "xfs_repair"
	xfsGrowfsCmd = "xfs_growfs"
)

const xfsLabelMaxLen = 12

// xfsFilesystem manages XFS. Resizing operates on mounted filesystems and
// only grows; metadata changes need the device unmounted.
type xfsFilesystem struct {
	m *Manager
}

func (x *xfsFilesystem) Type() Type { return XFS }

func (x *xfsFilesystem) Mkfs(ctx context.Context, device string, extra ...ExtraArg) error {
	if _, err := x.m.beginOp(ctx, XFS, OpMkfs, device); err != nil {
		return err
	}
	args := append([]string{"-f"}, extraArgv(extra)...)
	args = append(args, device)
	_, err := x.m.runTool(ctx, exec.Command{Path: mkfsXfsCmd, Args: args})
	return err
}

func (x *xfsFilesystem) Info(ctx context.Context, device string) (*Info, error) {
	st, err := x.m.beginOp(ctx, XFS, OpInfo, device)
	if err != nil {
		return nil, err
	}
	info := &Info{Type: XFS}

	res, err := x.m.runTool(ctx, exec.Command{Path: xfsAdminCmd, Args: []string{"-lu", device}})
	if err != nil {
		return nil, err
	}
	parseXfsAdmin(res.Stdout, info)

	info.BlockSize, info.BlockCount, err = x.geometry(ctx, st.Mountpoint)
	if err != nil {
		return nil, err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(st.Mountpoint, &stat); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", st.Mountpoint, err)
	}
	info.FreeBlocks = stat.Bfree
	return info, nil
}

// parseXfsAdmin reads the "label = ..." and "UUID = ..." lines of
// xfs_admin -lu.
func parseXfsAdmin(output string, info *Info) {
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "label":
			info.Label = strings.Trim(value, `"`)
		case "UUID":
			info.UUID = value
		}
	}
}

// parseXfsGeometry pulls bsize and blocks out of the data stanza of an
// xfs_info dump.
func parseXfsGeometry(output string) (blockSize, blockCount uint64) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "data") {
			continue
		}
		for _, field := range strings.Fields(trimmed) {
			if v, ok := strings.CutPrefix(field, "bsize="); ok {
				blockSize = parseCount(strings.TrimSuffix(v, ","))
			}
			if v, ok := strings.CutPrefix(field, "blocks="); ok {
				blockCount = parseCount(strings.TrimSuffix(v, ","))
			}
		}
		if blockSize > 0 && blockCount > 0 {
			return blockSize, blockCount
		}
	}
	return blockSize, blockCount
}

func (x *xfsFilesystem) geometry(ctx context.Context, mountpoint string) (uint64, uint64, error) {
	res, err := x.m.runTool(ctx, exec.Command{Path: xfsInfoCmd, Args: []string{mountpoint}})
	if err != nil {
		return 0, 0, err
	}
	blockSize, blockCount := parseXfsGeometry(res.Stdout)
	if blockSize == 0 || blockCount == 0 {
		return 0, 0, fmt.Errorf("cannot determine xfs geometry of %s: %w", mountpoint, ErrCommandFailed)
	}
	return blockSize, blockCount, nil
}

func (x *xfsFilesystem) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	if _, err := x.m.beginOp(ctx, XFS, OpCheck, device); err != nil {
		return false, err
	}
	args := append([]string{"-r", "-c", "check"}, extraArgv(extra)...)
	cmd := exec.Command{Path: xfsDbCmd, Args: append(args, device)}
	res, err := x.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed(cmd, res)
	}
	// xfs_db prints found problems on stdout and still exits zero.
	if strings.TrimSpace(res.Stdout) != "" {
		return false, nil
	}
	return true, nil
}

func (x *xfsFilesystem) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	if _, err := x.m.beginOp(ctx, XFS, OpRepair, device); err != nil {
		return false, err
	}
	cmd := exec.Command{Path: xfsRepairCmd, Args: append(extraArgv(extra), device)}
	res, err := x.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed(cmd, res)
	}
	return true, nil
}

// Resize grows the filesystem to newSize bytes, or to the size of the
// backing device when newSize is zero. The target may be the mountpoint or
// the mounted device; XFS is resized online and cannot shrink.
func (x *xfsFilesystem) Resize(ctx context.Context, target string, newSize uint64, safe bool, extra ...ExtraArg) error {
	x.m.logOp(XFS, OpResize, target)
	if err := x.m.requireTools(ctx, XFS, OpResize); err != nil {
		return err
	}
	if err := checkDeviceExists(target); err != nil {
		return err
	}
	mountpoint, err := x.resolveMountpoint(ctx, target)
	if err != nil {
		return err
	}
	blockSize, blockCount, err := x.geometry(ctx, mountpoint)
	if err != nil {
		return err
	}
	args := extraArgv(extra)
	if newSize > 0 {
		blocks := newSize / blockSize
		if blocks < blockCount {
			return fmt.Errorf("xfs cannot shrink from %d to %d blocks: %w", blockCount, blocks, ErrUnsupportedOperation)
		}
		args = append(args, "-D", strconv.FormatUint(blocks, 10))
	}
	args = append(args, mountpoint)
	_, err = x.m.runTool(ctx, exec.Command{Path: xfsGrowfsCmd, Args: args})
	return err
}

func (x *xfsFilesystem) resolveMountpoint(ctx context.Context, target string) (string, error) {
	ok, err := x.m.mnt.IsMountpoint(target)
	if err != nil {
		return "", err
	}
	if ok {
		return target, nil
	}
	st, err := x.m.mnt.State(ctx, target)
	if err != nil {
		return "", err
	}
	if !st.Mounted() {
		return "", fmt.Errorf("xfs resize %s: %w", target, ErrNotMounted)
	}
	return st.Mountpoint, nil
}

func (x *xfsFilesystem) SetLabel(ctx context.Context, device, label string) error {
	if len(label) > xfsLabelMaxLen {
		return fmt.Errorf("label %q is longer than %d characters: %w", label, xfsLabelMaxLen, ErrInvalidArgument)
	}
	if _, err := x.m.beginOp(ctx, XFS, OpSetLabel, device); err != nil {
		return err
	}
	arg := label
	if arg == "" {
		// xfs_admin clears the label with the special value --
		arg = "--"
	}
	_, err := x.m.runTool(ctx, exec.Command{Path: xfsAdminCmd, Args: []string{"-L", arg, device}})
	return err
}

func (x *xfsFilesystem) SetUUID(ctx context.Context, device string, u UUID) error {
	if _, err := x.m.beginOp(ctx, XFS, OpSetUUID, device); err != nil {
		return err
	}
	arg, err := xfsUUIDArg(u)
	if err != nil {
		return err
	}

	var prior string
	verifyFresh := u.kind == uuidAbsent
	if verifyFresh {
		if prior, err = x.readUUID(ctx, device); err != nil {
			return err
		}
	}

	apply := func() error {
		_, err := x.m.runTool(ctx, exec.Command{Path: xfsAdminCmd, Args: []string{"-U", arg, device}})
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	if verifyFresh && prior != "" {
		current, err := x.readUUID(ctx, device)
		if err != nil {
			return err
		}
		if current == prior {
			if err := apply(); err != nil {
				return err
			}
			if current, err = x.readUUID(ctx, device); err != nil {
				return err
			} else if current == prior {
				return fmt.Errorf("uuid of %s did not change from %s: %w", device, prior, ErrCommandFailed)
			}
		}
	}
	return x.m.settleUdev(ctx, device)
}

func (x *xfsFilesystem) readUUID(ctx context.Context, device string) (string, error) {
	res, err := x.m.runTool(ctx, exec.Command{Path: xfsAdminCmd, Args: []string{"-u", device}})
	if err != nil {
		return "", err
	}
	info := &Info{}
	parseXfsAdmin(res.Stdout, info)
	return info.UUID, nil
}

func (x *xfsFilesystem) Wipe(ctx context.Context, device string) error {
	return x.m.wipeAs(ctx, XFS, device)
}
