package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/storage"
	"medscript.dev/mpaz/storage/vault"
)

func (a *app) vaultCmd() *cobra.Command {
	var override vault.Config
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Store, restore and exchange archives by content address",
	}
	cmd.PersistentFlags().StringVar(&override.Dir, "dir", "", "local vault directory (overrides vault.dir)")
	cmd.PersistentFlags().StringVar(&override.Remote, "remote", "", "remote vault host:port (overrides vault.remote)")

	open := func() (*vault.Vault, error) {
		c := a.cfg.Vault
		if override.Dir != "" || override.Remote != "" {
			c.Dir, c.Remote = override.Dir, override.Remote
		}
		if c.Dir == "" && c.Remote == "" {
			return nil, usagef("no vault configured (set vault.dir or vault.remote, or pass --dir/--remote)")
		}
		return vault.Open(c, a.log)
	}
	closeVault := func(v *vault.Vault) {
		if err := v.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close vault")
		}
	}

	putCmd := &cobra.Command{
		Use:   "put <a.mpaz>...",
		Short: "Store archives and print their CIDs",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := open()
			if err != nil {
				return err
			}
			defer closeVault(v)
			for _, p := range args {
				id, err := v.PutArchive(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s  %s\n", id, p)
			}
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <cid> <out.mpaz>",
		Short: "Restore an archive by CID",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := storage.ParseCID(args[0])
			if err != nil {
				return usagef("%s: %v", args[0], err)
			}
			v, err := open()
			if err != nil {
				return err
			}
			defer closeVault(v)
			if err := v.GetArchive(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			fmt.Fprintln(a.out, args[1])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored CIDs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := open()
			if err != nil {
				return err
			}
			defer closeVault(v)
			ids, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}

	var bundlePath string
	exportCmd := &cobra.Command{
		Use:   "export --out <bundle.tar> <a.mpaz>...",
		Short: "Store archives and write them to a portable bundle",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundlePath == "" {
				return usagef("--out is required")
			}
			v, err := open()
			if err != nil {
				return err
			}
			defer closeVault(v)
			err = fsutil.WriteAtomic(bundlePath, 0o644, func(w io.Writer) error {
				entries, err := v.ExportArchives(cmd.Context(), w, args)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(a.out, "%s  %s\n", e.CID, e.Name)
				}
				return nil
			})
			if err != nil {
				if _, ok := errs.From(err); ok {
					return err
				}
				return errs.Wrap(errs.KindIO, "vault export", bundlePath, err)
			}
			return nil
		},
	}
	exportCmd.Flags().StringVar(&bundlePath, "out", "", "bundle file to write")

	var restoreDir string
	importCmd := &cobra.Command{
		Use:   "import <bundle.tar>",
		Short: "Load a bundle into the vault and restore its archives",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if restoreDir == "" {
				restoreDir = a.cfg.DocumentDirectory
			}
			f, err := os.Open(args[0])
			if err != nil {
				return errs.Wrap(errs.KindIO, "vault import", args[0], err)
			}
			defer f.Close()
			if err := os.MkdirAll(restoreDir, 0o755); err != nil {
				return errs.Wrap(errs.KindIO, "vault import", restoreDir, err)
			}

			v, err := open()
			if err != nil {
				return err
			}
			defer closeVault(v)
			entries, err := v.ImportArchives(cmd.Context(), f, restoreDir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(a.out, "%s  %s\n", e.CID, e.Name)
			}
			return nil
		},
	}
	importCmd.Flags().StringVar(&restoreDir, "restore", "", "directory to restore archives into (default document_directory)")

	cmd.AddCommand(putCmd, getCmd, listCmd, exportCmd, importCmd)
	return cmd
}
