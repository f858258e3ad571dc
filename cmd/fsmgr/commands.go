package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/blockkit/fsmgr/internal/config"
	"github.com/blockkit/fsmgr/pkg/fs"
)

// command is one fsmgr subcommand. Commands with flags parse them from
// their own pflag set; the rest take positional arguments directly.
type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, m *fs.Manager, cfg config.Config, args []string) error
}

var commands = []command{
	{"mkfs", "mkfs -t TYPE DEV", "create a filesystem on a device", cmdMkfs},
	{"info", "info DEV", "show the filesystem's identity and geometry", cmdInfo},
	{"fstype", "fstype DEV", "print the probed content type of a device", cmdFstype},
	{"size", "size DEV", "print the filesystem size in bytes", cmdSize},
	{"check", "check DEV", "verify filesystem consistency without modifying it", cmdCheck},
	{"repair", "repair [--unsafe] DEV", "repair the filesystem", cmdRepair},
	{"resize", "resize [--allow-shrink] DEV SIZE", "resize the filesystem to SIZE bytes, 0 or max fills the device", cmdResize},
	{"label", "label DEV [LABEL]", "show or set the filesystem label", cmdLabel},
	{"uuid", "uuid DEV [VALUE|clear|random|time|generate|nil]", "show or reassign the filesystem UUID", cmdUUID},
	{"wipe", "wipe [--all] DEV", "erase the outermost signature, or every signature with --all", cmdWipe},
	{"clean", "clean DEV", "remove every signature, succeeding on a blank device", cmdClean},
	{"mount", "mount [-t TYPE] [-o OPTS] DEV [DIR]", "mount a filesystem", cmdMount},
	{"unmount", "unmount [-l] [-f] TARGET", "unmount by mountpoint or device", cmdUnmount},
	{"freeze", "freeze DIR", "suspend writes to a mounted filesystem", cmdFreeze},
	{"unfreeze", "unfreeze DIR", "resume writes to a frozen filesystem", cmdUnfreeze},
	{"can", "can OP TYPE", "report whether an operation is available for a type", cmdCan},
	{"doctor", "doctor", "report tool availability for every type and operation", cmdDoctor},
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

// operations lists every negotiable operation in presentation order.
var operations = []fs.Operation{
	fs.OpMkfs, fs.OpInfo, fs.OpSize, fs.OpCheck, fs.OpRepair,
	fs.OpResize, fs.OpSetLabel, fs.OpSetUUID, fs.OpWipe,
}

func parseOperation(name string) (fs.Operation, error) {
	aliases := map[string]fs.Operation{
		"info":  fs.OpInfo,
		"size":  fs.OpSize,
		"label": fs.OpSetLabel,
		"uuid":  fs.OpSetUUID,
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if op, ok := aliases[name]; ok {
		return op, nil
	}
	for _, op := range operations {
		if name == op.String() {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q: %w", name, fs.ErrInvalidArgument)
}

// parseSize reads a byte count with an optional binary suffix, e.g.
// "512", "100M" or "2GiB". Zero and "max" both mean the full size of the
// backing device.
func parseSize(arg string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(arg))
	if s == "MAX" {
		return 0, nil
	}
	mult := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30}, {"TIB", 1 << 40},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", arg, fs.ErrInvalidArgument)
	}
	if mult > 1 && n > math.MaxUint64/mult {
		return 0, fmt.Errorf("size %q does not fit in 64 bits: %w", arg, fs.ErrInvalidArgument)
	}
	return n * mult, nil
}

func oneArg(what string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one %s argument: %w", what, fs.ErrInvalidArgument)
	}
	return args[0], nil
}

// managedFilesystem resolves the device's probed content to one of the
// managed filesystem adapters.
func managedFilesystem(ctx context.Context, m *fs.Manager, device string) (fs.Filesystem, error) {
	name, err := m.Fstype(ctx, device)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("device %s: %w", device, fs.ErrUnknownFilesystem)
	}
	t, err := fs.ParseType(name)
	if err != nil {
		return nil, err
	}
	return m.Filesystem(t)
}

func cmdMkfs(ctx context.Context, m *fs.Manager, cfg config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("mkfs", pflag.ContinueOnError)
	fsType := flagSet.StringP("type", "t", "", "filesystem type to create")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	device, err := oneArg("device", flagSet.Args())
	if err != nil {
		return err
	}
	if *fsType == "" {
		return fmt.Errorf("mkfs needs --type: %w", fs.ErrInvalidArgument)
	}
	t, err := fs.ParseType(*fsType)
	if err != nil {
		return err
	}
	return m.Mkfs(ctx, device, t, cfg.MkfsArgs(t)...)
}

func cmdInfo(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	device, err := oneArg("device", args)
	if err != nil {
		return err
	}
	info, err := m.Info(ctx, device)
	if err != nil {
		return err
	}
	printInfo(os.Stdout, info)
	return nil
}

func printInfo(w io.Writer, info *fs.Info) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "type:\t%s\n", info.Type)
	fmt.Fprintf(tw, "label:\t%s\n", info.Label)
	fmt.Fprintf(tw, "uuid:\t%s\n", info.UUID)
	if info.State != "" {
		fmt.Fprintf(tw, "state:\t%s\n", info.State)
	}
	fmt.Fprintf(tw, "block size:\t%d\n", info.BlockSize)
	fmt.Fprintf(tw, "blocks:\t%d\n", info.BlockCount)
	if info.FreeBlocks > 0 {
		fmt.Fprintf(tw, "free blocks:\t%d\n", info.FreeBlocks)
	}
	fmt.Fprintf(tw, "size:\t%d\n", info.Size())
	if info.Features != 0 {
		fmt.Fprintf(tw, "features:\t%#x\n", uint64(info.Features))
	}
	tw.Flush()
}

func cmdFstype(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	device, err := oneArg("device", args)
	if err != nil {
		return err
	}
	name, err := m.Fstype(ctx, device)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("device %s: %w", device, fs.ErrUnknownFilesystem)
	}
	fmt.Println(name)
	return nil
}

func cmdSize(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	device, err := oneArg("device", args)
	if err != nil {
		return err
	}
	size, err := m.Size(ctx, device)
	if err != nil {
		return err
	}
	fmt.Println(size)
	return nil
}

func cmdCheck(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	device, err := oneArg("device", args)
	if err != nil {
		return err
	}
	ok, err := m.Check(ctx, device)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("filesystem on %s has errors", device)
	}
	fmt.Println("clean")
	return nil
}

func cmdRepair(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("repair", pflag.ContinueOnError)
	unsafe := flagSet.Bool("unsafe", false, "answer yes to every repair question instead of fixing only safe problems")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	device, err := oneArg("device", flagSet.Args())
	if err != nil {
		return err
	}
	ok, err := m.Repair(ctx, device, *unsafe)
	if err != nil {
		return err
	}
	if !ok {
		if *unsafe {
			return fmt.Errorf("errors remain on %s", device)
		}
		return fmt.Errorf("errors remain on %s, rerun with --unsafe", device)
	}
	fmt.Println("consistent")
	return nil
}

func cmdResize(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("resize", pflag.ContinueOnError)
	allowShrink := flagSet.Bool("allow-shrink", false, "acknowledge shrinking where the tooling considers it risky")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 2 {
		return fmt.Errorf("resize takes a device and a size: %w", fs.ErrInvalidArgument)
	}
	size, err := parseSize(rest[1])
	if err != nil {
		return err
	}
	if *allowShrink {
		return m.Resize(ctx, rest[0], size)
	}
	fsys, err := managedFilesystem(ctx, m, rest[0])
	if err != nil {
		return err
	}
	return fsys.Resize(ctx, rest[0], size, false)
}

func cmdLabel(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	switch len(args) {
	case 1:
		info, err := m.Info(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(info.Label)
		return nil
	case 2:
		return m.SetLabel(ctx, args[0], args[1])
	default:
		return fmt.Errorf("label takes a device and optionally a new label: %w", fs.ErrInvalidArgument)
	}
}

func cmdUUID(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	switch len(args) {
	case 1:
		info, err := m.Info(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(info.UUID)
		return nil
	case 2:
		return m.SetUUID(ctx, args[0], fs.ParseUUIDDirective(args[1]))
	default:
		return fmt.Errorf("uuid takes a device and optionally a directive: %w", fs.ErrInvalidArgument)
	}
}

func cmdWipe(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("wipe", pflag.ContinueOnError)
	all := flagSet.Bool("all", false, "repeat detection and erase until no signature remains")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	device, err := oneArg("device", flagSet.Args())
	if err != nil {
		return err
	}
	return m.Wipe(ctx, device, *all)
}

func cmdClean(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	device, err := oneArg("device", args)
	if err != nil {
		return err
	}
	return m.Clean(ctx, device)
}

// splitMountTarget resolves the positional arguments of mount. A single
// argument names a mountpoint when it is an existing directory, otherwise
// a device; mount(8) resolves the counterpart from fstab.
func splitMountTarget(args []string) (string, string, error) {
	switch len(args) {
	case 1:
		if st, err := os.Stat(args[0]); err == nil && st.IsDir() {
			return "", args[0], nil
		}
		return args[0], "", nil
	case 2:
		return args[0], args[1], nil
	default:
		return "", "", fmt.Errorf("mount takes a device, a mountpoint or both: %w", fs.ErrInvalidArgument)
	}
}

func cmdMount(ctx context.Context, m *fs.Manager, cfg config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	var (
		fsType   = flagSet.StringP("type", "t", "", "filesystem type, probed from the device when empty")
		options  = flagSet.StringP("options", "o", cfg.Mount.Options, "comma separated mount options")
		runAsUID = flagSet.String("run-as-uid", cfg.Mount.RunAsUID, "numeric uid to run the mount command as")
		runAsGID = flagSet.String("run-as-gid", cfg.Mount.RunAsGID, "numeric gid to run the mount command as")
	)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	device, target, err := splitMountTarget(flagSet.Args())
	if err != nil {
		return err
	}
	return m.Mount(ctx, fs.MountRequest{
		Device:   device,
		Target:   target,
		FSType:   *fsType,
		Options:  *options,
		RunAsUID: *runAsUID,
		RunAsGID: *runAsGID,
	})
}

func cmdUnmount(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("unmount", pflag.ContinueOnError)
	var (
		lazy  = flagSet.BoolP("lazy", "l", false, "detach now, clean up when the mount stops being busy")
		force = flagSet.BoolP("force", "f", false, "force the unmount")
	)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	target, err := oneArg("target", flagSet.Args())
	if err != nil {
		return err
	}
	return m.Unmount(ctx, target, *lazy, *force)
}

func cmdFreeze(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	mountpoint, err := oneArg("mountpoint", args)
	if err != nil {
		return err
	}
	return m.Freeze(ctx, mountpoint)
}

func cmdUnfreeze(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	mountpoint, err := oneArg("mountpoint", args)
	if err != nil {
		return err
	}
	return m.Unfreeze(ctx, mountpoint)
}

func cmdCan(_ context.Context, m *fs.Manager, _ config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("can takes an operation and a filesystem type: %w", fs.ErrInvalidArgument)
	}
	op, err := parseOperation(args[0])
	if err != nil {
		return err
	}
	t, err := fs.ParseType(args[1])
	if err != nil {
		return err
	}
	c, err := m.Capability(t, op)
	if err != nil {
		return err
	}
	switch {
	case !c.Supported:
		return fmt.Errorf("%s on %s: %w", op, t, fs.ErrUnsupportedOperation)
	case c.MissingTool != "":
		return fmt.Errorf("%s on %s needs %q: %w", op, t, c.MissingTool, fs.ErrToolMissing)
	}
	if op == fs.OpResize {
		fmt.Printf("%s on %s is available via %s (%s)\n", op, t, strings.Join(c.Tools, ", "), c.ResizeModes)
		return nil
	}
	fmt.Printf("%s on %s is available via %s\n", op, t, strings.Join(c.Tools, ", "))
	return nil
}
