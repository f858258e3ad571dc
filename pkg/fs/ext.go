package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockkit/fsmgr/pkg/exec"
	"github.com/blockkit/fsmgr/pkg/progress"
)

const (
	dumpe2fsCmd  = "dumpe2fs"
	e2fsckCmd    = "e2fsck"
	resize2fsCmd = "resize2fs"
	tune2fsCmd   = "tune2fs"
)

// e2fsck exit codes are a bitmask; 4 alone means errors were found and
// left uncorrected, which is an answer rather than a failure.
const (
	e2fsckExitErrorsCorrected = 1
	e2fsckExitRebootNeeded    = 2
	e2fsckExitErrorsLeft      = 4
)

const extLabelMaxLen = 16

// extFilesystem manages the ext2/ext3/ext4 family. The three types share
// the e2fsprogs tooling and differ only in the mkfs executable.
type extFilesystem struct {
	m      *Manager
	fsType Type
}

func (e *extFilesystem) Type() Type { return e.fsType }

func (e *extFilesystem) mkfsCmd() string { return "mkfs." + string(e.fsType) }

func (e *extFilesystem) Mkfs(ctx context.Context, device string, extra ...ExtraArg) error {
	if _, err := e.m.beginOp(ctx, e.fsType, OpMkfs, device); err != nil {
		return err
	}
	args := append([]string{"-F"}, extraArgv(extra)...)
	args = append(args, device)
	_, err := e.m.runTool(ctx, exec.Command{Path: e.mkfsCmd(), Args: args})
	return err
}

func (e *extFilesystem) Info(ctx context.Context, device string) (*Info, error) {
	if _, err := e.m.beginOp(ctx, e.fsType, OpInfo, device); err != nil {
		return nil, err
	}
	res, err := e.m.runTool(ctx, exec.Command{Path: dumpe2fsCmd, Args: []string{"-h", device}})
	if err != nil {
		return nil, err
	}
	return parseDumpe2fs(e.fsType, res.Stdout), nil
}

// parseDumpe2fs reads the "key: value" superblock dump of dumpe2fs -h.
func parseDumpe2fs(t Type, output string) *Info {
	info := &Info{Type: t}
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Filesystem volume name":
			if value != "<none>" {
				info.Label = value
			}
		case "Filesystem UUID":
			if value != "<none>" {
				info.UUID = value
			}
		case "Filesystem state":
			info.State = value
		case "Block count":
			info.BlockCount = parseCount(value)
		case "Free blocks":
			info.FreeBlocks = parseCount(value)
		case "Block size":
			info.BlockSize = parseCount(value)
		}
	}
	return info
}

func parseCount(value string) uint64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (e *extFilesystem) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	if _, err := e.m.beginOp(ctx, e.fsType, OpCheck, device); err != nil {
		return false, err
	}
	return e.fsck(ctx, device, []string{"-f", "-n"}, extra)
}

func (e *extFilesystem) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	st, err := e.m.beginOp(ctx, e.fsType, OpRepair, device)
	if err != nil {
		return false, err
	}
	mode := "-p"
	if unsafe {
		// Answering yes to everything cannot be done under a live
		// read-write mount.
		if st.Mounted() && !st.ReadOnly {
			return false, fmt.Errorf("%s repair: device is mounted read-write at %s: %w",
				e.fsType, st.Mountpoint, ErrDeviceBusy)
		}
		mode = "-y"
	}
	return e.fsck(ctx, device, []string{"-f", mode}, extra)
}

func (e *extFilesystem) fsck(ctx context.Context, device string, args []string, extra []ExtraArg) (bool, error) {
	task := progress.Begin(ctx, e2fsckCmd)
	defer task.Done()

	cmd := exec.Command{Path: e2fsckCmd}
	if progress.FromContext(ctx) != nil {
		// -C writes "pass cur max" lines to the given descriptor; the
		// executor hands the child its pipe as fd 3.
		args = append(args, "-C", "3")
		cmd.Progress = task
		cmd.ParseProgress = parseE2fsckProgress
	}
	args = append(args, extraArgv(extra)...)
	cmd.Args = append(args, device)

	res, err := e.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch {
	case res.ExitCode == 0:
		return true, nil
	case res.ExitCode&^(e2fsckExitErrorsCorrected|e2fsckExitRebootNeeded) == 0:
		return true, nil
	case res.ExitCode == e2fsckExitErrorsLeft:
		return false, nil
	default:
		return false, commandFailed(cmd, res)
	}
}

// parseE2fsckProgress converts one "pass cur max" line from e2fsck -C into
// an overall percentage. e2fsck runs five passes; each contributes a fifth.
func parseE2fsckProgress(line string) (int, bool) {
	var pass, cur, max int64
	if n, err := fmt.Sscanf(line, "%d %d %d", &pass, &cur, &max); err != nil || n < 3 {
		return 0, false
	}
	if pass < 1 || pass > 5 || max <= 0 {
		return 0, false
	}
	if cur > max {
		cur = max
	}
	return int((pass-1)*20 + cur*20/max), true
}

func (e *extFilesystem) Resize(ctx context.Context, device string, newSize uint64, safe bool, extra ...ExtraArg) error {
	if _, err := e.m.beginOp(ctx, e.fsType, OpResize, device); err != nil {
		return err
	}
	args := extraArgv(extra)
	args = append(args, device)
	if newSize > 0 {
		// resize2fs without a size grows to the device; an explicit size
		// is passed in kibibytes to stay block-size agnostic.
		args = append(args, fmt.Sprintf("%dK", newSize/1024))
	}
	_, err := e.m.runTool(ctx, exec.Command{Path: resize2fsCmd, Args: args})
	return err
}

func (e *extFilesystem) SetLabel(ctx context.Context, device, label string) error {
	if len(label) > extLabelMaxLen {
		return fmt.Errorf("label %q is longer than %d characters: %w", label, extLabelMaxLen, ErrInvalidArgument)
	}
	if _, err := e.m.beginOp(ctx, e.fsType, OpSetLabel, device); err != nil {
		return err
	}
	_, err := e.m.runTool(ctx, exec.Command{Path: tune2fsCmd, Args: []string{"-L", label, device}})
	return err
}

func (e *extFilesystem) SetUUID(ctx context.Context, device string, u UUID) error {
	if _, err := e.m.beginOp(ctx, e.fsType, OpSetUUID, device); err != nil {
		return err
	}
	arg, err := extUUIDArg(u)
	if err != nil {
		return err
	}

	var prior string
	verifyFresh := u.kind == uuidAbsent
	if verifyFresh {
		info, err := e.Info(ctx, device)
		if err != nil {
			return err
		}
		prior = info.UUID
	}

	// tune2fs asks for confirmation when changing the UUID of a mounted or
	// checksummed filesystem.
	apply := func() error {
		_, err := e.m.runTool(ctx, exec.Command{
			Path:  tune2fsCmd,
			Args:  []string{"-U", arg, device},
			Input: "y\n",
		})
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	if verifyFresh && prior != "" {
		fresh, err := e.uuidChanged(ctx, device, prior)
		if err != nil {
			return err
		}
		if !fresh {
			if err := apply(); err != nil {
				return err
			}
			if fresh, err = e.uuidChanged(ctx, device, prior); err != nil {
				return err
			} else if !fresh {
				return fmt.Errorf("uuid of %s did not change from %s: %w", device, prior, ErrCommandFailed)
			}
		}
	}
	return e.m.settleUdev(ctx, device)
}

func (e *extFilesystem) uuidChanged(ctx context.Context, device, prior string) (bool, error) {
	info, err := e.Info(ctx, device)
	if err != nil {
		return false, err
	}
	return info.UUID != prior, nil
}

func (e *extFilesystem) Wipe(ctx context.Context, device string) error {
	return e.m.wipeAs(ctx, e.fsType, device)
}
