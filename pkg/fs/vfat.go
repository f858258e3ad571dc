package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	mkfsVfatCmd  = "mkfs.vfat"
	fsckVfatCmd  = "fsck.vfat"
	fatresizeCmd = "fatresize"
	fatlabelCmd  = "fatlabel"
)

// fsck.fat exits with 1 when it found (or corrected) errors and with 2 on
// usage errors.
const vfatFsckExitErrorsFound = 1

const vfatLabelMaxLen = 11

// vfatFilesystem manages FAT filesystems through dosfstools and fatresize.
// Everything runs on the raw device; VFAT has no online operations and no
// stable UUID tooling.
type vfatFilesystem struct {
	m *Manager
}

func (v *vfatFilesystem) Type() Type { return VFAT }

func (v *vfatFilesystem) Mkfs(ctx context.Context, device string, extra ...ExtraArg) error {
	if _, err := v.m.beginOp(ctx, VFAT, OpMkfs, device); err != nil {
		return err
	}
	args := append(extraArgv(extra), device)
	_, err := v.m.runTool(ctx, exec.Command{Path: mkfsVfatCmd, Args: args})
	return err
}

func (v *vfatFilesystem) Info(ctx context.Context, device string) (*Info, error) {
	if _, err := v.m.beginOp(ctx, VFAT, OpInfo, device); err != nil {
		return nil, err
	}
	cmd := exec.Command{Path: fsckVfatCmd, Args: []string{"-n", "-v", device}}
	res, err := v.m.run.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode > vfatFsckExitErrorsFound {
		return nil, commandFailed(cmd, res)
	}
	info := parseVfatFsck(res.Stdout)
	// fsck.fat does not print the label or the volume serial; the probe
	// oracle fills those in when it can.
	if pr, err := v.m.probe.Probe(ctx, device); err == nil && pr != nil {
		info.Label = pr.Label
		info.UUID = pr.UUID
	}
	return info, nil
}

// parseVfatFsck reads cluster geometry and usage out of fsck.fat -nv
// output, e.g. "2048 bytes per cluster" and a closing
// "/dev/sda1: 11 files, 100/25550 clusters" line.
func parseVfatFsck(output string) *Info {
	info := &Info{Type: VFAT}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasSuffix(trimmed, "bytes per cluster"):
			info.BlockSize = parseCount(trimmed)
		case strings.HasSuffix(trimmed, "clusters"):
			fields := strings.Fields(trimmed)
			if len(fields) < 2 {
				continue
			}
			used, total, found := strings.Cut(fields[len(fields)-2], "/")
			if !found {
				continue
			}
			info.BlockCount = parseCount(total)
			if free := parseCount(total) - parseCount(used); free <= info.BlockCount {
				info.FreeBlocks = free
			}
		}
	}
	return info
}

func (v *vfatFilesystem) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	if _, err := v.m.beginOp(ctx, VFAT, OpCheck, device); err != nil {
		return false, err
	}
	args := append([]string{"-n"}, extraArgv(extra)...)
	cmd := exec.Command{Path: fsckVfatCmd, Args: append(args, device)}
	res, err := v.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case vfatFsckExitErrorsFound:
		return false, nil
	default:
		return false, commandFailed(cmd, res)
	}
}

func (v *vfatFilesystem) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	if _, err := v.m.beginOp(ctx, VFAT, OpRepair, device); err != nil {
		return false, err
	}
	args := append([]string{"-a"}, extraArgv(extra)...)
	cmd := exec.Command{Path: fsckVfatCmd, Args: append(args, device)}
	res, err := v.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode > vfatFsckExitErrorsFound {
		return false, commandFailed(cmd, res)
	}
	return true, nil
}

func (v *vfatFilesystem) Resize(ctx context.Context, device string, newSize uint64, safe bool, extra ...ExtraArg) error {
	if _, err := v.m.beginOp(ctx, VFAT, OpResize, device); err != nil {
		return err
	}
	size := newSize
	if size == 0 {
		var err error
		if size, err = deviceSize(device); err != nil {
			return err
		}
	}
	args := extraArgv(extra)
	args = append(args, "-s", strconv.FormatUint(size, 10), device)
	_, err := v.m.runTool(ctx, exec.Command{Path: fatresizeCmd, Args: args})
	return err
}

func (v *vfatFilesystem) SetLabel(ctx context.Context, device, label string) error {
	if len(label) > vfatLabelMaxLen {
		return fmt.Errorf("label %q is longer than %d characters: %w", label, vfatLabelMaxLen, ErrInvalidArgument)
	}
	if _, err := v.m.beginOp(ctx, VFAT, OpSetLabel, device); err != nil {
		return err
	}
	_, err := v.m.runTool(ctx, exec.Command{Path: fatlabelCmd, Args: []string{device, label}})
	return err
}

func (v *vfatFilesystem) SetUUID(ctx context.Context, device string, u UUID) error {
	_, err := v.m.beginOp(ctx, VFAT, OpSetUUID, device)
	return err
}

func (v *vfatFilesystem) Wipe(ctx context.Context, device string) error {
	return v.m.wipeAs(ctx, VFAT, device)
}
