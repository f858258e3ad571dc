package fs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/blockkit/fsmgr/internal/logger"
	"github.com/blockkit/fsmgr/pkg/exec"
)

const wipefsCmd = "wipefs"

// maxWipePasses bounds the detect-and-erase loop. Stacked signatures are
// never more than a handful deep on real devices.
const maxWipePasses = 16

// Wipe erases filesystem and partition-table signatures from device. With
// all false exactly the outermost recognized signature is removed, leaving
// deeper signatures such as backup superblocks in place; with all true,
// detection and erase repeat until nothing is recognized. A device with no
// signature at all fails with ErrNoSignature.
func (m *Manager) Wipe(ctx context.Context, device string, all bool) error {
	if err := m.beginWipe(ctx, device); err != nil {
		return err
	}
	if all {
		return m.wipeAll(ctx, device, true)
	}
	pr, err := m.probe.Probe(ctx, device)
	if err != nil {
		return err
	}
	if pr == nil {
		return fmt.Errorf("device %s: %w", device, ErrNoSignature)
	}
	return m.wipeOutermost(ctx, device, pr)
}

// Clean removes every signature from device, succeeding as a no-op when
// nothing is there.
func (m *Manager) Clean(ctx context.Context, device string) error {
	if err := m.beginWipe(ctx, device); err != nil {
		return err
	}
	return m.wipeAll(ctx, device, false)
}

func (m *Manager) beginWipe(ctx context.Context, device string) error {
	m.log.WithFields(logrus.Fields{
		logger.OperationKey: OpWipe.String(),
		logger.DeviceKey:    device,
	}).Debug("starting signature wipe")

	if _, err := exec.LookPath(wipefsCmd); err != nil {
		return fmt.Errorf("%q executable not found in $PATH: %w", wipefsCmd, ErrToolMissing)
	}
	if err := checkDeviceExists(device); err != nil {
		return err
	}
	st, err := m.mnt.State(ctx, device)
	if err != nil {
		return err
	}
	if st.Mounted() {
		return fmt.Errorf("wipe: device is mounted at %s: %w", st.Mountpoint, ErrDeviceBusy)
	}
	return nil
}

func (m *Manager) wipeAll(ctx context.Context, device string, failOnEmpty bool) error {
	for pass := 0; pass < maxWipePasses; pass++ {
		pr, err := m.probe.Probe(ctx, device)
		if err != nil {
			return err
		}
		if pr == nil {
			if failOnEmpty && pass == 0 {
				return fmt.Errorf("device %s: %w", device, ErrNoSignature)
			}
			return nil
		}
		if _, err := m.runTool(ctx, exec.Command{Path: wipefsCmd, Args: []string{"--all", device}}); err != nil {
			return err
		}
	}
	return fmt.Errorf("signatures remain on %s after %d passes: %w", device, maxWipePasses, ErrCommandFailed)
}

// wipeOutermost removes only the signature the probe ranked first. With a
// known magic offset just those bytes are erased, which preserves deeper
// copies of stacked signatures; partition tables without an offset fall
// back to a type filter.
func (m *Manager) wipeOutermost(ctx context.Context, device string, pr *ProbeResult) error {
	var args []string
	switch {
	case pr.SBMagicOffset >= 0:
		args = []string{"--offset", strconv.FormatInt(pr.SBMagicOffset, 10), device}
	case pr.Type != "":
		args = []string{"--all", "--types", pr.Type, device}
	default:
		args = []string{"--all", "--types", pr.PTType, device}
	}
	_, err := m.runTool(ctx, exec.Command{Path: wipefsCmd, Args: args})
	return err
}

// wipeAs removes t's signature from the device after verifying t is what
// actually occupies it. It backs the per-type wipe entry points.
func (m *Manager) wipeAs(ctx context.Context, t Type, device string) error {
	if _, err := m.beginOp(ctx, t, OpWipe, device); err != nil {
		return err
	}
	pr, err := m.probe.Probe(ctx, device)
	if err != nil {
		return err
	}
	if pr == nil {
		return fmt.Errorf("device %s: %w", device, ErrNoSignature)
	}
	found := pr.Type
	if found == "" {
		found = pr.PTType
	}
	if found != string(t) {
		return fmt.Errorf("device %s contains %q, not %s: %w", device, found, t, ErrUnsupportedFilesystem)
	}
	_, err = m.runTool(ctx, exec.Command{
		Path: wipefsCmd,
		Args: []string{"--all", "--types", string(t), device},
	})
	return err
}
