package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"medscript.dev/mpaz/index"
)

func (a *app) openIndex() (*index.Index, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.IndexDatabase), 0o755); err != nil {
		return nil, err
	}
	return index.Open(a.cfg.IndexDatabase, a.log)
}

func (a *app) closeIndex(x *index.Index) {
	if err := x.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close index")
	}
}

func (a *app) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Catalogue documents for search",
	}

	var dir string
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Index every archive under a directory",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = a.cfg.DocumentDirectory
			}
			x, err := a.openIndex()
			if err != nil {
				return err
			}
			defer a.closeIndex(x)

			rep, err := x.Scan(cmd.Context(), dir)
			if err != nil {
				return err
			}
			for _, f := range rep.Failed {
				fmt.Fprintf(a.errOut, "skipped %s: %v\n", f.Path, f.Err)
			}
			fmt.Fprintf(a.out, "indexed %d, removed %d, failed %d\n", rep.Indexed, rep.Removed, len(rep.Failed))
			return nil
		},
	}
	scanCmd.Flags().StringVar(&dir, "dir", "", "directory to scan (default document_directory)")

	var f index.Filter
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search indexed documents",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := a.openIndex()
			if err != nil {
				return err
			}
			defer a.closeIndex(x)

			docs, err := x.Search(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tPID\tNAME\tSIGNED\tPATH")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.Date, d.PID, d.Name, d.Signed, d.Path)
			}
			return tw.Flush()
		},
	}
	searchCmd.Flags().StringVar(&f.PID, "pid", "", "patient id contains")
	searchCmd.Flags().StringVar(&f.ID, "id", "", "prescription id contains")
	searchCmd.Flags().StringVar(&f.Name, "name", "", "patient name contains")

	cmd.AddCommand(scanCmd, searchCmd)
	return cmd
}
