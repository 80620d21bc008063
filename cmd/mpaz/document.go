package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/prescription"
	"medscript.dev/mpaz/render"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) newCmd() *cobra.Command {
	var contentPath string
	cmd := &cobra.Command{
		Use:   "new <out.mpaz>",
		Short: "Create a document, optionally from a prescription JSON file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			rx := s.Content()
			if contentPath != "" {
				b, err := os.ReadFile(contentPath)
				if err != nil {
					return errs.Wrap(errs.KindIO, "new", contentPath, err)
				}
				in, err := prescription.Decode(b)
				if err != nil {
					return err
				}
				if in.ID == "" {
					in.ID = rx.ID
				}
				if in.Date == "" {
					in.Date = rx.Date
				}
				if in.Prescriber == (prescription.Prescriber{}) {
					in.Prescriber = rx.Prescriber
				}
				rx = in
			}
			msgs, err := s.Save(cmd.Context(), args[0], rx)
			a.report(msgs)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, s.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&contentPath, "content", "", "prescription JSON to store")
	return cmd
}

type summary struct {
	Path     string          `json:"path"`
	Metadata mpaz.Metadata   `json:"metadata"`
	Signed   bool            `json:"signed"`
	Entries  []string        `json:"entries"`
	Content  json.RawMessage `json:"content,omitempty"`
}

func (a *app) showCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <a.mpaz>",
		Short: "Print a document's content and metadata",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := mpaz.Inspect(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out := summary{
					Path:     sum.Path,
					Metadata: sum.Metadata,
					Signed:   sum.Signed,
					Entries:  sum.Entries,
				}
				if json.Valid(sum.Content) {
					out.Content = sum.Content
				}
				return writeJSON(a.out, out)
			}

			fmt.Fprintf(a.out, "path:    %s\n", sum.Path)
			fmt.Fprintf(a.out, "format:  %s %s\n", sum.Metadata.Type, sum.Metadata.Version)
			fmt.Fprintf(a.out, "signed:  %t\n", sum.Signed)
			fmt.Fprintln(a.out, "entries:")
			for _, e := range sum.Entries {
				fmt.Fprintf(a.out, "  %s\n", e)
			}
			fmt.Fprintln(a.out, "content:")
			_, err = a.out.Write(sum.Content)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON summary")
	return cmd
}

// edit opens path in a bare container manager, applies fn and saves.
func (a *app) edit(path string, fn func(m *mpaz.Manager) error) error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	defer a.closeManager(m)
	if err := m.Open(path); err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return m.Save("")
}

func (a *app) attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <a.mpaz> <file>...",
		Short: "Copy files into a document's attachments",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(m *mpaz.Manager) error {
				for _, f := range args[1:] {
					dst, err := m.Copy(f, mpaz.CategoryAttachment)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.out, filepath.Base(dst))
				}
				return nil
			})
		},
	}
}

func (a *app) detachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <a.mpaz> <name>...",
		Short: "Remove attachments from a document",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(args[0], func(m *mpaz.Manager) error {
				for _, name := range args[1:] {
					if err := m.DeleteAttachment(name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (a *app) attachmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attachments <a.mpaz>",
		Short: "List a document's attachments",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.closeManager(m)
			if err := m.Open(args[0]); err != nil {
				return err
			}
			names, err := m.List(mpaz.CategoryAttachment)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(a.out, filepath.Base(n))
			}
			return nil
		},
	}
}

func (a *app) renderCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "render <a.mpaz>",
		Short: "Render a document to HTML with its embedded template",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.closeManager(m)
			if err := m.Open(args[0]); err != nil {
				return err
			}
			r := render.Renderer{Fallback: a.cfg.Template, Logger: a.log}
			html, err := r.Render(m.Dir())
			if err != nil {
				return err
			}
			dst := out
			if dst == "" {
				dst = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".html"
			}
			if err := fsutil.CopyFile(html, dst); err != nil {
				return errs.Wrap(errs.KindIO, "render", dst, err)
			}
			fmt.Fprintln(a.out, dst)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default <a>.html)")
	return cmd
}
