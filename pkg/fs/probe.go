package fs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockkit/fsmgr/pkg/exec"
)

const (
	blkidCmd = "blkid"
	// blkid exits with 2 when the probed device carries no recognizable
	// identifiers.
	blkidExitCodeNoIdentifiers = 2
)

// ProbeResult is one low-level probe hit on a device. Type carries the
// superblock TYPE tag exactly as the prober reports it, which may name a
// filesystem this package does not manage (e.g. "LVM2_member"). PTType is
// set instead when a partition table occupies the device. SBMagicOffset is
// the byte offset of the detected superblock magic, or -1 when unknown.
type ProbeResult struct {
	Type          string
	UUID          string
	Label         string
	PTType        string
	SBMagicOffset int64
}

// Prober detects what currently occupies a device. A nil result with a nil
// error means no recognizable signature.
type Prober interface {
	Probe(ctx context.Context, device string) (*ProbeResult, error)
}

type blkidProber struct {
	run exec.Executor
}

func newBlkidProber(run exec.Executor) *blkidProber {
	return &blkidProber{run: run}
}

func (p *blkidProber) Probe(ctx context.Context, device string) (*ProbeResult, error) {
	cmd := exec.Command{
		Path: blkidCmd,
		Args: []string{"--probe", "--output", "export", device},
	}
	res, err := p.run.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
	case blkidExitCodeNoIdentifiers:
		return nil, nil
	default:
		return nil, commandFailed(cmd, res)
	}
	pr := parseBlkidExport(res.Stdout)
	if pr.Type == "" && pr.PTType == "" {
		return nil, nil
	}
	return pr, nil
}

// parseBlkidExport parses `blkid --output export` KEY=VALUE lines.
func parseBlkidExport(output string) *ProbeResult {
	pr := &ProbeResult{SBMagicOffset: -1}
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "TYPE":
			pr.Type = value
		case "UUID":
			pr.UUID = value
		case "LABEL":
			pr.Label = value
		case "PTTYPE":
			pr.PTType = value
		case "SBMAGIC_OFFSET":
			if off, err := strconv.ParseInt(value, 10, 64); err == nil {
				pr.SBMagicOffset = off
			}
		}
	}
	return pr
}

// Fstype reports the filesystem-type label occupying the device exactly as
// probed, or empty when nothing is recognized. Unlike the dispatching
// operations it also reports types this package does not manage.
func (m *Manager) Fstype(ctx context.Context, device string) (string, error) {
	if err := checkDeviceExists(device); err != nil {
		return "", err
	}
	pr, err := m.probe.Probe(ctx, device)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", nil
	}
	if pr.Type == "" {
		return pr.PTType, nil
	}
	return pr.Type, nil
}

// detect resolves the device's content to a managed filesystem type for
// generic dispatch. No signature at all is ErrUnknownFilesystem; a
// signature this package has no adapter for is ErrUnsupportedFilesystem.
func (m *Manager) detect(ctx context.Context, device string) (Type, error) {
	if err := checkDeviceExists(device); err != nil {
		return "", err
	}
	pr, err := m.probe.Probe(ctx, device)
	if err != nil {
		return "", err
	}
	if pr == nil || pr.Type == "" {
		return "", fmt.Errorf("device %s: %w", device, ErrUnknownFilesystem)
	}
	t, err := ParseType(pr.Type)
	if err != nil {
		return "", fmt.Errorf("device %s contains %q: %w", device, pr.Type, ErrUnsupportedFilesystem)
	}
	return t, nil
}
