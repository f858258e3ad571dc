package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/blockkit/fsmgr/internal/config"
	"github.com/blockkit/fsmgr/pkg/fs"
)

// typeReport is the availability row of one filesystem type: one cell per
// operation in the order of the operations table, plus the resize modes
// the tooling supports.
type typeReport struct {
	fsType fs.Type
	cells  []string
	modes  fs.ResizeMode
}

// cmdDoctor resolves every (type, operation) pair against the current
// $PATH, one type per goroutine, and prints one row per type.
func cmdDoctor(ctx context.Context, m *fs.Manager, _ config.Config, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("doctor takes no arguments: %w", fs.ErrInvalidArgument)
	}
	types := fs.Types()
	reports := make([]typeReport, len(types))
	g, _ := errgroup.WithContext(ctx)
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			r, err := scanType(m, t)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	printDoctorReport(os.Stdout, reports)
	return nil
}

func scanType(m *fs.Manager, t fs.Type) (typeReport, error) {
	r := typeReport{fsType: t, cells: make([]string, 0, len(operations))}
	for _, op := range operations {
		c, err := m.Capability(t, op)
		if err != nil {
			return typeReport{}, err
		}
		switch {
		case !c.Supported:
			r.cells = append(r.cells, "-")
		case c.MissingTool != "":
			r.cells = append(r.cells, "missing "+c.MissingTool)
		default:
			r.cells = append(r.cells, "ok")
		}
		if op == fs.OpResize {
			r.modes = c.ResizeModes
		}
	}
	return r, nil
}

func printDoctorReport(w io.Writer, reports []typeReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "TYPE")
	for _, op := range operations {
		fmt.Fprintf(tw, "\t%s", strings.ToUpper(op.String()))
	}
	fmt.Fprint(tw, "\tRESIZE-MODES\n")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s", r.fsType)
		for _, cell := range r.cells {
			fmt.Fprintf(tw, "\t%s", cell)
		}
		fmt.Fprintf(tw, "\t%s\n", r.modes)
	}
	tw.Flush()
}
