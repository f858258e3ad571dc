package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	mkfsF2fsCmd   = "mkfs.f2fs"
	dumpF2fsCmd   = "dump.f2fs"
	fsckF2fsCmd   = "fsck.f2fs"
	resizeF2fsCmd = "resize.f2fs"
)

// f2fsDefaultSectorSize is assumed when dump.f2fs does not report one.
const f2fsDefaultSectorSize = 512

// f2fsFilesystem manages F2FS. The f2fs-tools cannot relabel or
// re-identify an existing filesystem, and both check and resize insist on
// minimum tool versions. Sizes are reported and resized in sectors.
type f2fsFilesystem struct {
	m *Manager
}

func (f *f2fsFilesystem) Type() Type { return F2FS }

func (f *f2fsFilesystem) Mkfs(ctx context.Context, device string, extra ...ExtraArg) error {
	if _, err := f.m.beginOp(ctx, F2FS, OpMkfs, device); err != nil {
		return err
	}
	args := append([]string{"-f"}, extraArgv(extra)...)
	args = append(args, device)
	_, err := f.m.runTool(ctx, exec.Command{Path: mkfsF2fsCmd, Args: args})
	return err
}

func (f *f2fsFilesystem) Info(ctx context.Context, device string) (*Info, error) {
	if _, err := f.m.beginOp(ctx, F2FS, OpInfo, device); err != nil {
		return nil, err
	}
	res, err := f.m.runTool(ctx, exec.Command{Path: dumpF2fsCmd, Args: []string{device}})
	if err != nil {
		return nil, err
	}
	info := parseDumpF2fs(res.Stdout)
	if info.Label == "" || info.UUID == "" {
		if pr, err := f.m.probe.Probe(ctx, device); err == nil && pr != nil {
			if info.Label == "" {
				info.Label = pr.Label
			}
			if info.UUID == "" {
				info.UUID = pr.UUID
			}
		}
	}
	return info, nil
}

// parseDumpF2fs reads the "Info: key = value" lines of a dump.f2fs
// superblock dump. The feature word is printed in hexadecimal, e.g.
// "Info: superblock features = (1 : encrypt)".
func parseDumpF2fs(output string) *Info {
	info := &Info{Type: F2FS}
	for _, line := range strings.Split(output, "\n") {
		entry, found := strings.CutPrefix(strings.TrimSpace(line), "Info:")
		if !found {
			continue
		}
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "sector size":
			info.BlockSize = parseCount(value)
		case "total FS sectors":
			info.BlockCount = parseCount(value)
		case "volume label":
			info.Label = value
		case "volume uuid":
			info.UUID = value
		case "superblock features":
			word, _, _ := strings.Cut(strings.TrimLeft(value, "("), ":")
			if bits, err := strconv.ParseUint(strings.TrimSpace(word), 16, 64); err == nil {
				info.Features = Features(bits)
			}
		}
	}
	return info
}

func (f *f2fsFilesystem) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	if _, err := f.m.beginOp(ctx, F2FS, OpCheck, device); err != nil {
		return false, err
	}
	args := append([]string{"--dry-run"}, extraArgv(extra)...)
	cmd := exec.Command{Path: fsckF2fsCmd, Args: append(args, device)}
	res, err := f.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed(cmd, res)
	}
	return true, nil
}

func (f *f2fsFilesystem) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	if _, err := f.m.beginOp(ctx, F2FS, OpRepair, device); err != nil {
		return false, err
	}
	mode := "-a"
	if unsafe {
		mode = "-f"
	}
	args := append([]string{mode}, extraArgv(extra)...)
	cmd := exec.Command{Path: fsckF2fsCmd, Args: append(args, device)}
	res, err := f.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed(cmd, res)
	}
	return true, nil
}

func (f *f2fsFilesystem) Resize(ctx context.Context, device string, newSize uint64, safe bool, extra ...ExtraArg) error {
	if _, err := f.m.beginOp(ctx, F2FS, OpResize, device); err != nil {
		return err
	}
	args := extraArgv(extra)
	if safe {
		args = append(args, "-s")
	}
	if newSize > 0 {
		info, err := f.Info(ctx, device)
		if err != nil {
			return err
		}
		if !safe && newSize < info.Size() {
			return fmt.Errorf("shrinking f2fs on %s needs the safe flag: %w", device, ErrUnsafeOperation)
		}
		sectorSize := info.BlockSize
		if sectorSize == 0 {
			sectorSize = f2fsDefaultSectorSize
		}
		args = append(args, "-t", strconv.FormatUint(newSize/sectorSize, 10))
	}
	args = append(args, device)
	_, err := f.m.runTool(ctx, exec.Command{Path: resizeF2fsCmd, Args: args})
	return err
}

func (f *f2fsFilesystem) SetLabel(ctx context.Context, device, label string) error {
	_, err := f.m.beginOp(ctx, F2FS, OpSetLabel, device)
	return err
}

func (f *f2fsFilesystem) SetUUID(ctx context.Context, device string, u UUID) error {
	_, err := f.m.beginOp(ctx, F2FS, OpSetUUID, device)
	return err
}

func (f *f2fsFilesystem) Wipe(ctx context.Context, device string) error {
	return f.m.wipeAs(ctx, F2FS, device)
}
