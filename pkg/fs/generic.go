package fs

import "context"

// The generic operations probe the device, resolve its content to a
// managed filesystem type and forward to that adapter. They perform no
// filesystem specific logic of their own; capability failures surface
// before any tool touches the device.

// Mkfs formats device as t, overwriting whatever occupies it.
func (m *Manager) Mkfs(ctx context.Context, device string, t Type, extra ...ExtraArg) error {
	fsys, err := m.Filesystem(t)
	if err != nil {
		return err
	}
	return fsys.Mkfs(ctx, device, extra...)
}

// Info probes device and reports a snapshot of the filesystem found there.
func (m *Manager) Info(ctx context.Context, device string) (*Info, error) {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return nil, err
	}
	return fsys.Info(ctx, device)
}

// Size probes device and reports the found filesystem's size in bytes.
func (m *Manager) Size(ctx context.Context, device string) (uint64, error) {
	info, err := m.Info(ctx, device)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Check probes device and verifies the consistency of the filesystem found
// there. A false result with a nil error means the check ran and found
// problems.
func (m *Manager) Check(ctx context.Context, device string, extra ...ExtraArg) (bool, error) {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return false, err
	}
	return fsys.Check(ctx, device, extra...)
}

// Repair probes device and repairs the filesystem found there. The unsafe
// flag selects the aggressive repair mode where the tooling distinguishes
// one.
func (m *Manager) Repair(ctx context.Context, device string, unsafe bool, extra ...ExtraArg) (bool, error) {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return false, err
	}
	return fsys.Repair(ctx, device, unsafe, extra...)
}

// Resize probes device and resizes the filesystem found there to newSize
// bytes, or to the size of the backing device when newSize is zero. The
// explicit size request carries the shrink acknowledgement; backends that
// want a safe flag receive it set.
func (m *Manager) Resize(ctx context.Context, device string, newSize uint64, extra ...ExtraArg) error {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return err
	}
	return fsys.Resize(ctx, device, newSize, true, extra...)
}

// SetLabel probes device and relabels the filesystem found there. An empty
// label clears it.
func (m *Manager) SetLabel(ctx context.Context, device, label string) error {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return err
	}
	return fsys.SetLabel(ctx, device, label)
}

// SetUUID probes device and reassigns the identity of the filesystem found
// there according to the directive.
func (m *Manager) SetUUID(ctx context.Context, device string, u UUID) error {
	fsys, err := m.dispatch(ctx, device)
	if err != nil {
		return err
	}
	return fsys.SetUUID(ctx, device, u)
}

func (m *Manager) dispatch(ctx context.Context, device string) (Filesystem, error) {
	t, err := m.detect(ctx, device)
	if err != nil {
		return nil, err
	}
	return m.Filesystem(t)
}
