package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	mkntfsCmd     = "mkntfs"
	ntfsinfoCmd   = "ntfsinfo"
	ntfsfixCmd    = "ntfsfix"
	ntfsresizeCmd = "ntfsresize"
	ntfslabelCmd  = "ntfslabel"
)

const ntfsLabelMaxLen = 128

// ntfsFilesystem manages NTFS through ntfs-3g. All operations need the
// device unmounted; the volume identity is a 16 digit hexadecimal serial
// rather than an RFC 4122 UUID.
type ntfsFilesystem struct {
	m *Manager
}

func (n *ntfsFilesystem) Type() Type { return NTFS }

func (n *ntfsFilesystem) Mkfs(ctx context.Context, device string, extra ...ExtraArg) error {
	if _, err := n.m.beginOp(ctx, NTFS, OpMkfs, device); err != nil {
		return err
	}
	// -f skips zeroing and the bad block check
	args := append([]string{"-f"}, extraArgv(extra)...)
	args = append(args, device)
	_, err := n.m.runTool(ctx, exec.Command{Path: mkntfsCmd, Args: args})
	return err
}

func (n *ntfsFilesystem) Info(ctx context.Context, device string) (*Info, error) {
	if _, err := n.m.beginOp(ctx, NTFS, OpInfo, device); err != nil {
		return nil, err
	}
	res, err := n.m.runTool(ctx, exec.Command{Path: ntfsinfoCmd, Args: []string{"-m", device}})
	if err != nil {
		return nil, err
	}
	info := parseNtfsInfo(res.Stdout)
	// the volume serial is only visible through probing
	if pr, err := n.m.probe.Probe(ctx, device); err == nil && pr != nil {
		info.UUID = pr.UUID
		if info.Label == "" {
			info.Label = pr.Label
		}
	}
	return info, nil
}

// parseNtfsInfo reads the "key: value" lines of ntfsinfo -m. Counts may
// carry a parenthesized percentage, e.g. "Free Clusters: 24795 (97.0%)".
func parseNtfsInfo(output string) *Info {
	info := &Info{Type: NTFS}
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Volume Name":
			info.Label = value
		case "Cluster Size":
			info.BlockSize = parseCount(value)
		case "Volume Size in Clusters":
			info.BlockCount = parseCount(value)
		case "Free Clusters":
			info.FreeBlocks = parseCount(value)
		}
	}
	return info
}

func (n *ntfsFilesystem) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	if _, err := n.m.beginOp(ctx, NTFS, OpCheck, device); err != nil {
		return false, err
	}
	args := append([]string{"-n"}, extraArgv(extra)...)
	cmd := exec.Command{Path: ntfsfixCmd, Args: append(args, device)}
	res, err := n.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, commandFailed(cmd, res)
	}
}

func (n *ntfsFilesystem) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	if _, err := n.m.beginOp(ctx, NTFS, OpRepair, device); err != nil {
		return false, err
	}
	args := append([]string{"-d"}, extraArgv(extra)...)
	cmd := exec.Command{Path: ntfsfixCmd, Args: append(args, device)}
	res, err := n.m.run.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed(cmd, res)
	}
	return true, nil
}

func (n *ntfsFilesystem) Resize(ctx context.Context, device string, newSize uint64, safe bool, extra ...ExtraArg) error {
	if _, err := n.m.beginOp(ctx, NTFS, OpResize, device); err != nil {
		return err
	}
	base := append([]string{"-f"}, extraArgv(extra)...)
	if newSize > 0 {
		base = append(base, "-s", strconv.FormatUint(newSize, 10))
	}
	// dry run first; ntfsresize refuses cleanly while nothing has been
	// written yet
	check := append(append([]string{}, base...), "--no-action", device)
	if _, err := n.m.runTool(ctx, exec.Command{Path: ntfsresizeCmd, Args: check, Input: "y\n"}); err != nil {
		return err
	}
	_, err := n.m.runTool(ctx, exec.Command{Path: ntfsresizeCmd, Args: append(base, device), Input: "y\n"})
	return err
}

func (n *ntfsFilesystem) SetLabel(ctx context.Context, device, label string) error {
	if len(label) > ntfsLabelMaxLen {
		return fmt.Errorf("label %q is longer than %d characters: %w", label, ntfsLabelMaxLen, ErrInvalidArgument)
	}
	if _, err := n.m.beginOp(ctx, NTFS, OpSetLabel, device); err != nil {
		return err
	}
	_, err := n.m.runTool(ctx, exec.Command{Path: ntfslabelCmd, Args: []string{device, label}})
	return err
}

func (n *ntfsFilesystem) SetUUID(ctx context.Context, device string, u UUID) error {
	if _, err := n.m.beginOp(ctx, NTFS, OpSetUUID, device); err != nil {
		return err
	}
	serial, err := ntfsSerial(u)
	if err != nil {
		return err
	}
	if u.kind == uuidAbsent {
		// a fresh serial must differ from the current one; it is
		// generated in-core, so just draw again on a collision
		if pr, err := n.m.probe.Probe(ctx, device); err == nil && pr != nil {
			for strings.EqualFold(serial, pr.UUID) {
				if serial, err = ntfsSerial(RandomUUID()); err != nil {
					return err
				}
			}
		}
	}
	if _, err := n.m.runTool(ctx, exec.Command{
		Path: ntfslabelCmd,
		Args: []string{"--new-serial=" + serial, device},
	}); err != nil {
		return err
	}
	return n.m.settleUdev(ctx, device)
}

func (n *ntfsFilesystem) Wipe(ctx context.Context, device string) error {
	return n.m.wipeAs(ctx, NTFS, device)
}
