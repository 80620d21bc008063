package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"medscript.dev/mpaz/plugin"
)

var hooks = []plugin.Hook{plugin.HookNew, plugin.HookOpen, plugin.HookSave, plugin.HookRefresh, plugin.HookRun}

func (a *app) pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List and run plugins from the plugin directory",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and their hooks",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.plugins()
			if err != nil {
				return err
			}
			caps := map[string][]string{}
			for _, h := range hooks {
				for _, name := range reg.Names(h) {
					caps[name] = append(caps[name], string(h))
				}
			}
			for _, p := range reg.List() {
				line := p.Name() + "\t" + strings.Join(caps[p.Name()], ",")
				if bg, ok := p.(plugin.Backgrounder); ok && bg.Background() {
					line += "\tbackground"
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <name> <a.mpaz>",
		Short: "Run a plugin against a document",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.EnablePlugin {
				return usagef("plugins are disabled (set enable_plugin)")
			}
			s, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.closeSession(s)
			msgs, err := s.Open(cmd.Context(), args[1])
			a.report(msgs)
			if err != nil {
				return err
			}

			reg, err := a.plugins()
			if err != nil {
				return err
			}
			done := make(chan plugin.Completion, 1)
			msg, err := reg.Run(cmd.Context(), args[0], s.Content(), done)
			if err != nil {
				return err
			}

			p, _ := reg.Lookup(args[0])
			if bg, ok := p.(plugin.Backgrounder); ok && bg.Background() {
				c := <-done
				if c.Err != nil {
					return c.Err
				}
				fmt.Fprintln(a.out, c.Message)
				return nil
			}
			if msg != "" {
				fmt.Fprintln(a.out, msg)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, runCmd)
	return cmd
}
