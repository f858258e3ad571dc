package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWipeNoSignature(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	err := m.Wipe(context.Background(), dev, false)
	require.ErrorIs(t, err, ErrNoSignature)
	assert.Zero(t, run.countCalls(wipefsCmd))

	err = m.Wipe(context.Background(), dev, true)
	require.ErrorIs(t, err, ErrNoSignature)
	assert.Zero(t, run.countCalls(wipefsCmd))
}

func TestWipeOutermostByMagicOffset(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)

	// ext4 written over an older vfat signature; erasing just the ext4
	// magic leaves the vfat signature in place
	probe.set(dev, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})

	require.NoError(t, m.Wipe(context.Background(), dev, false))
	require.Equal(t, 1, run.countCalls(wipefsCmd))
	assert.Equal(t, []string{"--offset", "1080", dev}, run.lastCall(t, wipefsCmd).Args)
}

func TestWipeOutermostByType(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "vfat", SBMagicOffset: -1})

	require.NoError(t, m.Wipe(context.Background(), dev, false))
	assert.Equal(t, []string{"--all", "--types", "vfat", dev}, run.lastCall(t, wipefsCmd).Args)
}

func TestWipePartitionTable(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{PTType: "dos", SBMagicOffset: -1})

	require.NoError(t, m.Wipe(context.Background(), dev, false))
	assert.Equal(t, []string{"--all", "--types", "dos", dev}, run.lastCall(t, wipefsCmd).Args)
}

func TestWipeAllRepeatsUntilClean(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.enqueue(dev,
		&ProbeResult{Type: "ext4", SBMagicOffset: 1080},
		&ProbeResult{Type: "vfat", SBMagicOffset: 510},
		nil)

	require.NoError(t, m.Wipe(context.Background(), dev, true))
	require.Equal(t, 2, run.countCalls(wipefsCmd))
	assert.Equal(t, []string{"--all", dev}, run.lastCall(t, wipefsCmd).Args)
}

func TestWipeAllGivesUpEventually(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)

	// a signature that never goes away
	probe.set(dev, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})

	err := m.Wipe(context.Background(), dev, true)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, maxWipePasses, run.countCalls(wipefsCmd))
}

func TestCleanIsNoOpOnEmptyDevice(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	require.NoError(t, m.Clean(context.Background(), dev))
	assert.Zero(t, run.countCalls(wipefsCmd))
}

func TestCleanRemovesSignatures(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.enqueue(dev, &ProbeResult{Type: "xfs", SBMagicOffset: 0}, nil)

	require.NoError(t, m.Clean(context.Background(), dev))
	assert.Equal(t, 1, run.countCalls(wipefsCmd))
}

func TestWipeMountedDevice(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, mnt, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})
	mnt.states[dev] = MountState{Mountpoint: "/mnt/data"}

	err := m.Wipe(context.Background(), dev, false)
	require.ErrorIs(t, err, ErrDeviceBusy)
	assert.Zero(t, run.countCalls(wipefsCmd))
}

func TestWipeMissingTool(t *testing.T) {
	installTools(t)
	m, _, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "ext4", SBMagicOffset: 1080})

	err := m.Wipe(context.Background(), dev, false)
	require.ErrorIs(t, err, ErrToolMissing)
}

func TestWipeMissingDevice(t *testing.T) {
	installTools(t, wipefsCmd)
	m, _, _, _ := newTestManager(t)

	err := m.Wipe(context.Background(), "/dev/does-not-exist", true)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
