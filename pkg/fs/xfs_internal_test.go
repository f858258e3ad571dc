package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockkit/fsmgr/pkg/exec"
)

// sample xfs_info output for a freshly made 100 MiB filesystem
const xfsInfoSample = `meta-data=/dev/loop0             isize=512    agcount=4, agsize=6400 blks
         =                       sectsz=512   attr=2, projid32bit=1
         =                       crc=1        finobt=1, sparse=1, rmapbt=0
         =                       reflink=1    bigtime=1 inobtcount=1 nrext64=0
data     =                       bsize=4096   blocks=25600, imaxpct=25
         =                       sunit=0      swidth=0 blks
naming   =version 2              bsize=4096   ascii-ci=0, ftype=1
log      =internal log           bsize=4096   blocks=1872, version=2
         =                       sectsz=512   sunit=0 blks, lazy-count=1
realtime =none                   extsz=4096   blocks=0, rtextents=0
`

const xfsAdminSample = `label = "testlabel"
UUID = 16aa77cb-9ae3-46a4-a159-7de23ce5d616
`

func TestXfsInfoRequiresMounted(t *testing.T) {
	installTools(t, xfsAdminCmd, xfsInfoCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	_, err := fsysFor(t, m, XFS).Info(context.Background(), dev)
	require.ErrorIs(t, err, ErrNotMounted)
	assert.Zero(t, run.countCalls(xfsAdminCmd))
}

func TestXfsInfo(t *testing.T) {
	installTools(t, xfsAdminCmd, xfsInfoCmd)
	m, run, mnt, _ := newTestManager(t)
	dev := tempDevice(t, 0)
	mountpoint := t.TempDir()
	mnt.states[dev] = MountState{Mountpoint: mountpoint}
	run.reply(xfsAdminCmd, exec.Result{Stdout: xfsAdminSample})
	run.reply(xfsInfoCmd, exec.Result{Stdout: xfsInfoSample})

	info, err := fsysFor(t, m, XFS).Info(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, []string{"-lu", dev}, run.lastCall(t, xfsAdminCmd).Args)
	assert.Equal(t, []string{mountpoint}, run.lastCall(t, xfsInfoCmd).Args)
	assert.Equal(t, XFS, info.Type)
	assert.Equal(t, "testlabel", info.Label)
	assert.Equal(t, "16aa77cb-9ae3-46a4-a159-7de23ce5d616", info.UUID)
	assert.Equal(t, uint64(4096), info.BlockSize)
	assert.Equal(t, uint64(25600), info.BlockCount)
}

func TestParseXfsAdmin(t *testing.T) {
	t.Parallel()

	info := &Info{}
	parseXfsAdmin(xfsAdminSample, info)
	assert.Equal(t, "testlabel", info.Label)
	assert.Equal(t, "16aa77cb-9ae3-46a4-a159-7de23ce5d616", info.UUID)

	info = &Info{}
	parseXfsAdmin("label = \"\"\n", info)
	assert.Empty(t, info.Label)
}

func TestParseXfsGeometry(t *testing.T) {
	t.Parallel()

	blockSize, blockCount := parseXfsGeometry(xfsInfoSample)
	assert.Equal(t, uint64(4096), blockSize)
	assert.Equal(t, uint64(25600), blockCount)

	blockSize, blockCount = parseXfsGeometry("no geometry here\n")
	assert.Zero(t, blockSize)
	assert.Zero(t, blockCount)
}

func TestXfsCheck(t *testing.T) {
	installTools(t, xfsDbCmd, xfsRepairCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	ok, err := fsysFor(t, m, XFS).Check(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"-r", "-c", "check", dev}, run.lastCall(t, xfsDbCmd).Args)
}

func TestXfsCheckReportsProblemsOnStdout(t *testing.T) {
	installTools(t, xfsDbCmd, xfsRepairCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)
	run.reply(xfsDbCmd, exec.Result{Stdout: "agi unlinked bucket 13 is 1041 in ag 0 (inode=1041)\n"})

	ok, err := fsysFor(t, m, XFS).Check(context.Background(), dev)
	require.NoError(t, err)
	assert.False(t, ok)

	run.reply(xfsDbCmd, exec.Result{ExitCode: 1, Stderr: "xfs_db: unexpected XFS SB magic number"})
	_, err = fsysFor(t, m, XFS).Check(context.Background(), dev)
	require.ErrorIs(t, err, ErrCommandFailed)
}

func TestXfsCheckMountState(t *testing.T) {
	installTools(t, xfsDbCmd, xfsRepairCmd)
	m, _, mnt, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	mnt.states[dev] = MountState{Mountpoint: "/mnt/x"}
	_, err := fsysFor(t, m, XFS).Check(context.Background(), dev)
	require.ErrorIs(t, err, ErrDeviceBusy)

	// a read-only mount is fine for xfs_db -r
	mnt.states[dev] = MountState{Mountpoint: "/mnt/x", ReadOnly: true}
	ok, err := fsysFor(t, m, XFS).Check(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestXfsRepair(t *testing.T) {
	installTools(t, xfsRepairCmd)
	m, run, mnt, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	ok, err := fsysFor(t, m, XFS).Repair(context.Background(), dev, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{dev}, run.lastCall(t, xfsRepairCmd).Args)

	mnt.states[dev] = MountState{Mountpoint: "/mnt/x"}
	_, err = fsysFor(t, m, XFS).Repair(context.Background(), dev, false)
	require.ErrorIs(t, err, ErrDeviceBusy)
}

func TestXfsResizeByMountpoint(t *testing.T) {
	installTools(t, xfsGrowfsCmd, xfsInfoCmd)
	m, run, mnt, _ := newTestManager(t)
	mountpoint := t.TempDir()
	mnt.mountpoints[mountpoint] = true
	run.reply(xfsInfoCmd, exec.Result{Stdout: xfsInfoSample})

	require.NoError(t, fsysFor(t, m, XFS).Resize(context.Background(), mountpoint, 200*1024*1024, true))
	assert.Equal(t, []string{"-D", "51200", mountpoint}, run.lastCall(t, xfsGrowfsCmd).Args)
}

func TestXfsResizeByDevice(t *testing.T) {
	installTools(t, xfsGrowfsCmd, xfsInfoCmd)
	m, run, mnt, _ := newTestManager(t)
	dev := tempDevice(t, 0)
	mountpoint := t.TempDir()
	mnt.states[dev] = MountState{Mountpoint: mountpoint}
	run.reply(xfsInfoCmd, exec.Result{Stdout: xfsInfoSample})

	require.NoError(t, fsysFor(t, m, XFS).Resize(context.Background(), dev, 0, true))
	assert.Equal(t, []string{mountpoint}, run.lastCall(t, xfsGrowfsCmd).Args)
}

func TestXfsResizeRefusesShrink(t *testing.T) {
	installTools(t, xfsGrowfsCmd, xfsInfoCmd)
	m, run, mnt, _ := newTestManager(t)
	mountpoint := t.TempDir()
	mnt.mountpoints[mountpoint] = true
	run.reply(xfsInfoCmd, exec.Result{Stdout: xfsInfoSample})

	err := fsysFor(t, m, XFS).Resize(context.Background(), mountpoint, 50*1024*1024, true)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Zero(t, run.countCalls(xfsGrowfsCmd))
}

func TestXfsResizeUnmounted(t *testing.T) {
	installTools(t, xfsGrowfsCmd, xfsInfoCmd)
	m, _, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	err := fsysFor(t, m, XFS).Resize(context.Background(), dev, 0, true)
	require.ErrorIs(t, err, ErrNotMounted)
}

func TestXfsSetLabel(t *testing.T) {
	installTools(t, xfsAdminCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	require.NoError(t, fsysFor(t, m, XFS).SetLabel(context.Background(), dev, "data"))
	assert.Equal(t, []string{"-L", "data", dev}, run.lastCall(t, xfsAdminCmd).Args)

	// an empty label maps to the clearing sentinel
	require.NoError(t, fsysFor(t, m, XFS).SetLabel(context.Background(), dev, ""))
	assert.Equal(t, []string{"-L", "--", dev}, run.lastCall(t, xfsAdminCmd).Args)

	err := fsysFor(t, m, XFS).SetLabel(context.Background(), dev, "thirteenchars")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestXfsSetUUIDDirectives(t *testing.T) {
	tests := []struct {
		name    string
		uuid    UUID
		wantArg string
		wantErr error
	}{
		{name: "generate", uuid: GenerateUUID(), wantArg: "generate"},
		{name: "nil", uuid: NilUUID(), wantArg: "nil"},
		{name: "explicit", uuid: NewUUID("16aa77cb-9ae3-46a4-a159-7de23ce5d616"), wantArg: "16aa77cb-9ae3-46a4-a159-7de23ce5d616"},
		{name: "random is ext only", uuid: RandomUUID(), wantErr: ErrUnsupportedOperation},
		{name: "time is ext only", uuid: TimeUUID(), wantErr: ErrUnsupportedOperation},
		{name: "clear is ext only", uuid: ClearUUID(), wantErr: ErrUnsupportedOperation},
		{name: "malformed explicit", uuid: NewUUID("not-a-uuid"), wantErr: ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installTools(t, xfsAdminCmd)
			m, run, _, _ := newTestManager(t)
			dev := tempDevice(t, 0)

			err := fsysFor(t, m, XFS).SetUUID(context.Background(), dev, tt.uuid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, run.countCalls(xfsAdminCmd))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"-U", tt.wantArg, dev}, run.lastCall(t, xfsAdminCmd).Args)
		})
	}
}

func TestXfsSetUUIDDefaultVerifiesChange(t *testing.T) {
	installTools(t, xfsAdminCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	run.reply(xfsAdminCmd, exec.Result{Stdout: "UUID = 16aa77cb-9ae3-46a4-a159-7de23ce5d616\n"})
	run.reply(xfsAdminCmd, exec.Result{})
	run.reply(xfsAdminCmd, exec.Result{Stdout: "UUID = 3f6d8a52-0c4e-4fd2-a6eb-91d6f0f43a18\n"})

	require.NoError(t, fsysFor(t, m, XFS).SetUUID(context.Background(), dev, ParseUUIDDirective("")))

	var uuidSets int
	for _, c := range run.calls {
		if c.Path == xfsAdminCmd && len(c.Args) > 0 && c.Args[0] == "-U" {
			uuidSets++
			assert.Equal(t, []string{"-U", "generate", dev}, c.Args)
		}
	}
	assert.Equal(t, 1, uuidSets)
}

func TestXfsSetUUIDDefaultRetriesThenFails(t *testing.T) {
	installTools(t, xfsAdminCmd)
	m, run, _, _ := newTestManager(t)
	dev := tempDevice(t, 0)

	stale := "UUID = 16aa77cb-9ae3-46a4-a159-7de23ce5d616\n"
	run.reply(xfsAdminCmd, exec.Result{Stdout: stale})
	run.reply(xfsAdminCmd, exec.Result{})
	run.reply(xfsAdminCmd, exec.Result{Stdout: stale})
	run.reply(xfsAdminCmd, exec.Result{})
	run.reply(xfsAdminCmd, exec.Result{Stdout: stale})

	err := fsysFor(t, m, XFS).SetUUID(context.Background(), dev, ParseUUIDDirective(""))
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, 5, run.countCalls(xfsAdminCmd))
}

func TestXfsWipe(t *testing.T) {
	installTools(t, wipefsCmd)
	m, run, _, probe := newTestManager(t)
	dev := tempDevice(t, 0)
	probe.set(dev, &ProbeResult{Type: "xfs"})

	require.NoError(t, fsysFor(t, m, XFS).Wipe(context.Background(), dev))
	assert.Equal(t, []string{"--all", "--types", "xfs", dev}, run.lastCall(t, wipefsCmd).Args)
}
