package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockkit/fsmgr/pkg/exec"
)

func TestGenericMkfs(t *testing.T) {
	installTools(t, "mkfs.ext2")
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)

	require.NoError(t, m.Mkfs(context.Background(), dev, Ext2))
	assert.Equal(t, []string{"-F", dev}, run.lastCall(t, "mkfs.ext2").Args)

	// mkfs takes the type from the caller, not from probing
	assert.Zero(t, probe.probes)
}

func TestGenericMkfsUnknownType(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	err := m.Mkfs(context.Background(), dev, Type("nilfs2"))
	require.ErrorIs(t, err, ErrUnsupportedFilesystem)
}

func TestGenericDispatchByProbe(t *testing.T) {
	installTools(t, e2fsckCmd, xfsDbCmd)
	m, run, _, probe := newTestManager(t)
	ext := tempDevice(t, 0)
	xfs := tempDevice(t, 0)
	probe.set(ext, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})
	probe.set(xfs, &ProbeResult{Type: "xfs", SBMagicOffset: 0})

	ok, err := m.Check(context.Background(), ext)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"-f", "-n", ext}, run.lastCall(t, e2fsckCmd).Args)

	ok, err = m.Check(context.Background(), xfs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"-r", "-c", "check", xfs}, run.lastCall(t, xfsDbCmd).Args)
}

func TestGenericDispatchEmptyDevice(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	_, err := m.Info(context.Background(), dev)
	require.ErrorIs(t, err, ErrUnknownFilesystem)
}

func TestGenericDispatchForeignFilesystem(t *testing.T) {
	m, _, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "LVM2_member", SBMagicOffset: -1})

	_, err := m.Check(context.Background(), dev)
	require.ErrorIs(t, err, ErrUnsupportedFilesystem)
}

func TestGenericDispatchMissingDevice(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.Info(context.Background(), "/dev/does-not-exist")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestGenericSize(t *testing.T) {
	installTools(t, dumpe2fsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})
	run.reply(dumpe2fsCmd, exec.Result{Stdout: dumpe2fsSample})

	size, err := m.Size(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, uint64(100*1024*1024), size)
}

func TestGenericResizeCarriesShrinkAcknowledgement(t *testing.T) {
	installTools(t, resizeF2fsCmd, dumpF2fsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "f2fs", SBMagicOffset: -1})
	run.reply(resizeF2fsCmd, exec.Result{Stdout: resizeF2fsBanner})
	run.reply(dumpF2fsCmd, exec.Result{Stdout: dumpF2fsSample})

	// an explicit size request through the generic entry point may shrink
	require.NoError(t, m.Resize(context.Background(), dev, 80*1024*1024))
	assert.Equal(t, []string{"-s", "-t", "163840", dev}, run.lastCall(t, resizeF2fsCmd).Args)
}

func TestGenericSetLabelFailsAtCapability(t *testing.T) {
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "f2fs", SBMagicOffset: -1})

	err := m.SetLabel(context.Background(), dev, "berry")
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Empty(t, run.calls)
}

func TestGenericSetUUID(t *testing.T) {
	installTools(t, tune2fsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "ext3", SBMagicOffset: 1080})

	require.NoError(t, m.SetUUID(context.Background(), dev, TimeUUID()))
	assert.Equal(t, []string{"-U", "time", dev}, run.lastCall(t, tune2fsCmd).Args)
}

func TestGenericRepair(t *testing.T) {
	installTools(t, ntfsfixCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "ntfs", SBMagicOffset: 3})

	ok, err := m.Repair(context.Background(), dev, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"-d", dev}, run.lastCall(t, ntfsfixCmd).Args)
}
