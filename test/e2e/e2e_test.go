package e2e_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/blockkit/fsmgr/pkg/fs"
)

// requireTooling skips the current test when the host lacks the tools, or
// the tool versions, the listed operations need.
func requireTooling(ctx context.Context, t fs.Type, ops ...fs.Operation) {
	if err := manager.Available(ctx, t, ops...); err != nil {
		Skip(err.Error())
	}
}

var _ = Describe("", func() {
	ctx := context.Background()

	It("Ext4 Geometry", func() {
		requireTooling(ctx, fs.Ext4, fs.OpMkfs, fs.OpInfo, fs.OpCheck, fs.OpSetLabel, fs.OpWipe)

		Expect(manager.Clean(ctx, device)).To(Succeed())
		Expect(manager.Mkfs(ctx, device, fs.Ext4)).To(Succeed())

		info, err := manager.Info(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Type).To(Equal(fs.Ext4))
		Expect(info.UUID).NotTo(BeEmpty())
		Expect(info.State).To(ContainSubstring("clean"))
		Expect(info.BlockSize).NotTo(BeZero())
		Expect(info.BlockCount).NotTo(BeZero())

		ok, err := manager.Check(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		Expect(manager.SetLabel(ctx, device, "e2edata")).To(Succeed())
		info, err = manager.Info(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Label).To(Equal("e2edata"))
	})

	It("XFS Mounted Info", func() {
		requireTooling(ctx, fs.XFS, fs.OpMkfs, fs.OpInfo, fs.OpWipe)

		Expect(manager.Clean(ctx, device)).To(Succeed())
		Expect(manager.Mkfs(ctx, device, fs.XFS)).To(Succeed())

		target, err := os.MkdirTemp("", "fsmgr-e2e")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(target)

		Expect(manager.Mount(ctx, fs.MountRequest{Device: device, Target: target})).To(Succeed())
		defer func() {
			Expect(manager.Unmount(ctx, target, false, false)).To(Succeed())
		}()

		info, err := manager.Info(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Type).To(Equal(fs.XFS))
		Expect(info.UUID).NotTo(BeEmpty())
		Expect(info.Size()).NotTo(BeZero())
	})

	It("F2fs Safe Shrink Round Trip", func() {
		requireTooling(ctx, fs.F2FS, fs.OpMkfs, fs.OpSize, fs.OpResize, fs.OpWipe)

		Expect(manager.Clean(ctx, device)).To(Succeed())
		Expect(manager.Mkfs(ctx, device, fs.F2FS)).To(Succeed())

		before, err := manager.Size(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(before).NotTo(BeZero())

		fsys, err := manager.Filesystem(fs.F2FS)
		Expect(err).NotTo(HaveOccurred())

		shrunk := before * 8 / 10
		Expect(fsys.Resize(ctx, device, shrunk, false)).To(MatchError(fs.ErrUnsafeOperation))
		Expect(fsys.Resize(ctx, device, shrunk, true)).To(Succeed())

		after, err := manager.Size(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(BeNumerically("<", before))

		Expect(manager.Resize(ctx, device, 0)).To(Succeed())
		restored, err := manager.Size(ctx, device)
		Expect(err).NotTo(HaveOccurred())
		Expect(restored).To(BeNumerically(">", after))
	})
})
