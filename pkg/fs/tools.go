package fs

import (
	"context"
	"fmt"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/blockkit/fsmgr/pkg/exec"
)

// ResizeMode describes the directions and mount states a filesystem's
// resize tooling supports.
type ResizeMode uint8

const (
	OnlineGrow ResizeMode = 1 << iota
	OnlineShrink
	OfflineGrow
	OfflineShrink
)

// Has reports whether all bits of mode are set.
func (m ResizeMode) Has(mode ResizeMode) bool { return m&mode == mode }

func (m ResizeMode) String() string {
	names := make([]string, 0, 4)
	for _, e := range []struct {
		mode ResizeMode
		name string
	}{
		{OnlineGrow, "online-grow"},
		{OnlineShrink, "online-shrink"},
		{OfflineGrow, "offline-grow"},
		{OfflineShrink, "offline-shrink"},
	} {
		if m.Has(e.mode) {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func extToolset(t Type) map[Operation][]string {
	return map[Operation][]string{
		OpMkfs:     {"mkfs." + string(t)},
		OpInfo:     {dumpe2fsCmd},
		OpSize:     {dumpe2fsCmd},
		OpCheck:    {e2fsckCmd},
		OpRepair:   {e2fsckCmd},
		OpResize:   {resize2fsCmd},
		OpSetLabel: {tune2fsCmd},
		OpSetUUID:  {tune2fsCmd},
		OpWipe:     {wipefsCmd},
	}
}

// toolTable maps every supported (type, operation) pair to the executables
// it needs, the canonical one first. A missing pair means the filesystem's
// tooling has no way to perform the operation.
var toolTable = map[Type]map[Operation][]string{
	Ext2: extToolset(Ext2),
	Ext3: extToolset(Ext3),
	Ext4: extToolset(Ext4),
	XFS: {
		OpMkfs:     {mkfsXfsCmd},
		OpInfo:     {xfsAdminCmd, xfsInfoCmd},
		OpSize:     {xfsAdminCmd, xfsInfoCmd},
		OpCheck:    {xfsDbCmd},
		OpRepair:   {xfsRepairCmd},
		OpResize:   {xfsGrowfsCmd, xfsInfoCmd},
		OpSetLabel: {xfsAdminCmd},
		OpSetUUID:  {xfsAdminCmd},
		OpWipe:     {wipefsCmd},
	},
	VFAT: {
		OpMkfs:     {mkfsVfatCmd},
		OpInfo:     {fsckVfatCmd},
		OpSize:     {fsckVfatCmd},
		OpCheck:    {fsckVfatCmd},
		OpRepair:   {fsckVfatCmd},
		OpResize:   {fatresizeCmd},
		OpSetLabel: {fatlabelCmd},
		OpWipe:     {wipefsCmd},
	},
	F2FS: {
		OpMkfs:   {mkfsF2fsCmd},
		OpInfo:   {dumpF2fsCmd},
		OpSize:   {dumpF2fsCmd},
		OpCheck:  {fsckF2fsCmd},
		OpRepair: {fsckF2fsCmd},
		OpResize: {resizeF2fsCmd, dumpF2fsCmd},
		OpWipe:   {wipefsCmd},
	},
	NTFS: {
		OpMkfs:     {mkntfsCmd},
		OpInfo:     {ntfsinfoCmd},
		OpSize:     {ntfsinfoCmd},
		OpCheck:    {ntfsfixCmd},
		OpRepair:   {ntfsfixCmd},
		OpResize:   {ntfsresizeCmd},
		OpSetLabel: {ntfslabelCmd},
		OpSetUUID:  {ntfslabelCmd},
		OpWipe:     {wipefsCmd},
	},
}

// resizeModes records what each filesystem's resize tooling can do. The
// ext family grows online or offline and shrinks offline, XFS only grows
// and only mounted, the rest resize offline in both directions.
var resizeModes = map[Type]ResizeMode{
	Ext2: OnlineGrow | OfflineGrow | OfflineShrink,
	Ext3: OnlineGrow | OfflineGrow | OfflineShrink,
	Ext4: OnlineGrow | OfflineGrow | OfflineShrink,
	XFS:  OnlineGrow,
	VFAT: OfflineGrow | OfflineShrink,
	F2FS: OfflineGrow | OfflineShrink,
	NTFS: OfflineGrow | OfflineShrink,
}

// versionGate is a minimum tool version an operation refuses to run
// without.
type versionGate struct {
	tool        string
	versionFlag string
	minimum     string
}

var versionGates = map[Type]map[Operation]versionGate{
	F2FS: {
		OpCheck:  {fsckF2fsCmd, "-V", "1.11.0"},
		OpResize: {resizeF2fsCmd, "-V", "1.12.0"},
	},
}

// Capability reports whether one operation can currently be performed on
// one filesystem type. Availability reflects $PATH at query time and is
// never cached.
type Capability struct {
	// Supported means the filesystem's tooling implements the operation
	// at all, regardless of what is installed.
	Supported bool
	// Tools lists the executables the operation needs, canonical first.
	Tools []string
	// MissingTool names the first executable not found in $PATH, or is
	// empty when everything is available.
	MissingTool string
	// ResizeModes is populated for OpResize only.
	ResizeModes ResizeMode
}

// Available reports whether the operation can run right now.
func (c Capability) Available() bool { return c.Supported && c.MissingTool == "" }

// Tool names the executable a caller should install to make an unavailable
// operation work, or the canonical executable when it already does.
func (c Capability) Tool() string {
	if c.MissingTool != "" {
		return c.MissingTool
	}
	if len(c.Tools) > 0 {
		return c.Tools[0]
	}
	return ""
}

// Capability resolves the (type, operation) pair against the tool registry
// and the current $PATH. Unknown filesystem types are an error; a known
// type lacking the operation yields Supported == false.
func (m *Manager) Capability(t Type, op Operation) (Capability, error) {
	ops, ok := toolTable[t]
	if !ok {
		return Capability{}, fmt.Errorf("filesystem type %q: %w", string(t), ErrUnsupportedFilesystem)
	}
	tools, ok := ops[op]
	if !ok {
		return Capability{}, nil
	}
	c := Capability{Supported: true, Tools: tools}
	if op == OpResize {
		c.ResizeModes = resizeModes[t]
	}
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			c.MissingTool = tool
			break
		}
	}
	return c, nil
}

// CanResize reports whether t can be resized here and now, the modes its
// tooling supports, and the decisive executable.
func (m *Manager) CanResize(t Type) (bool, ResizeMode, string, error) {
	c, err := m.Capability(t, OpResize)
	if err != nil {
		return false, 0, "", err
	}
	return c.Available(), c.ResizeModes, c.Tool(), nil
}

// CanCheck reports whether t can be checked here and now.
func (m *Manager) CanCheck(t Type) (bool, string, error) {
	c, err := m.Capability(t, OpCheck)
	if err != nil {
		return false, "", err
	}
	return c.Available(), c.Tool(), nil
}

// CanRepair reports whether t can be repaired here and now.
func (m *Manager) CanRepair(t Type) (bool, string, error) {
	c, err := m.Capability(t, OpRepair)
	if err != nil {
		return false, "", err
	}
	return c.Available(), c.Tool(), nil
}

// CanSetLabel reports whether t supports relabeling here and now.
func (m *Manager) CanSetLabel(t Type) (bool, string, error) {
	c, err := m.Capability(t, OpSetLabel)
	if err != nil {
		return false, "", err
	}
	return c.Available(), c.Tool(), nil
}

// CanSetUUID reports whether t supports re-identification here and now.
func (m *Manager) CanSetUUID(t Type) (bool, string, error) {
	c, err := m.Capability(t, OpSetUUID)
	if err != nil {
		return false, "", err
	}
	return c.Available(), c.Tool(), nil
}

// CanGetSize reports whether t's size can be queried here and now.
func (m *Manager) CanGetSize(t Type) (bool, string, error) {
	c, err := m.Capability(t, OpSize)
	if err != nil {
		return false, "", err
	}
	return c.Available(), c.Tool(), nil
}

// Available verifies that every listed operation can run on t right now,
// including minimum tool versions. With no operations listed it covers all
// operations t supports.
func (m *Manager) Available(ctx context.Context, t Type, ops ...Operation) error {
	if len(ops) == 0 {
		supported, ok := toolTable[t]
		if !ok {
			return fmt.Errorf("filesystem type %q: %w", string(t), ErrUnsupportedFilesystem)
		}
		for op := range supported {
			ops = append(ops, op)
		}
	}
	for _, op := range ops {
		if err := m.requireTools(ctx, t, op); err != nil {
			return err
		}
	}
	return nil
}

// requireTools verifies up front that op can run on t: the operation is
// supported, its executables are installed and any version gate passes.
func (m *Manager) requireTools(ctx context.Context, t Type, op Operation) error {
	c, err := m.Capability(t, op)
	if err != nil {
		return err
	}
	if !c.Supported {
		return fmt.Errorf("%s on %s: %w", op, t, ErrUnsupportedOperation)
	}
	if c.MissingTool != "" {
		return fmt.Errorf("%q executable not found in $PATH: %w", c.MissingTool, ErrToolMissing)
	}
	if gate, ok := versionGates[t][op]; ok {
		return m.checkToolVersion(ctx, gate)
	}
	return nil
}

func (m *Manager) checkToolVersion(ctx context.Context, gate versionGate) error {
	minimum, err := version.NewVersion(gate.minimum)
	if err != nil {
		return fmt.Errorf("parsing minimum version %q of %s: %w", gate.minimum, gate.tool, err)
	}
	res, err := m.run.Run(ctx, exec.Command{Path: gate.tool, Args: []string{gate.versionFlag}})
	if err != nil {
		return err
	}
	current, err := parseToolVersion(res.Stdout + res.Stderr)
	if err != nil {
		return fmt.Errorf("%s: %w", gate.tool, err)
	}
	if current.LessThan(minimum) {
		return &VersionError{Tool: gate.tool, Current: current, Minimum: minimum}
	}
	return nil
}

// parseToolVersion extracts the first dotted version number from a tool's
// version banner, e.g. "fsck.f2fs 1.14.0 (2020-08-24)".
func parseToolVersion(banner string) (*version.Version, error) {
	for _, field := range strings.Fields(banner) {
		if len(field) == 0 || field[0] < '0' || field[0] > '9' || !strings.Contains(field, ".") {
			continue
		}
		v, err := version.NewVersion(field)
		if err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no version number in %q", strings.TrimSpace(banner))
}
