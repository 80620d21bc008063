package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"medscript.dev/mpaz/chain"
	"medscript.dev/mpaz/session"
	"medscript.dev/mpaz/signing"
)

func (a *app) signCmd() *cobra.Command {
	var keyPath, certPath, passwordEnv string
	cmd := &cobra.Command{
		Use:   "sign <a.mpaz>",
		Short: "Sign a saved document",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password []byte
			if passwordEnv != "" {
				v, ok := os.LookupEnv(passwordEnv)
				if !ok {
					return usagef("environment variable %s is not set", passwordEnv)
				}
				password = []byte(v)
			}

			s, err := a.session(cmd.Context(), func(o *session.Options) {
				if keyPath != "" {
					o.Signer.KeyPath = keyPath
					o.Signer.CertificatePath = certPath
				} else if certPath != "" {
					o.Signer.CertificatePath = certPath
				}
			})
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			msgs, err := s.Open(cmd.Context(), args[0])
			a.report(msgs)
			if err != nil {
				return err
			}
			if err := s.Sign(password); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "signed %s\n", s.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "private key (PEM, PKCS#8 or PKCS#12)")
	cmd.Flags().StringVar(&certPath, "cert", "", "signer certificate or leaf-first chain (PEM)")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "", "environment variable holding the key password")
	return cmd
}

func (a *app) unsignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsign <a.mpaz>",
		Short: "Remove a document's signature",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			msgs, err := s.Open(cmd.Context(), args[0])
			a.report(msgs)
			if err != nil {
				return err
			}
			if err := s.Unsign(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "unsigned %s\n", s.Path())
			return nil
		},
	}
}

type verified struct {
	index   int
	path    string
	outcome signing.Outcome
}

func (a *app) verifyCmd() *cobra.Command {
	var roots string
	var jobs int
	cmd := &cobra.Command{
		Use:   "verify <a.mpaz>...",
		Short: "Verify document signatures against the root bundle",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := session.FromConfig(a.cfg, a.bus, nil, a.log)
			if roots != "" {
				opts.Verifier = &signing.Verifier{Validator: &chain.Validator{RootBundle: roots}}
			}

			w := session.NewWorker(cmd.Context(), jobs)
			for i, path := range args {
				i, path := i, path
				w.Go(strconv.Itoa(i), func(ctx context.Context) (any, error) {
					return verifyOne(ctx, opts, i, path)
				})
			}
			w.Close()

			results := make([]*verified, len(args))
			failures := make([]error, len(args))
			for c := range w.Results() {
				if c.Err != nil {
					i, _ := strconv.Atoi(c.Op)
					failures[i] = c.Err
					continue
				}
				v := c.Value.(*verified)
				results[v.index] = v
			}

			code := 0
			for i, path := range args {
				if failures[i] != nil {
					fmt.Fprintf(a.out, "%s: ERROR %v\n", path, failures[i])
					code = 1
					continue
				}
				out := results[i].outcome
				switch out.Status {
				case signing.Trusted:
					fmt.Fprintf(a.out, "%s: %s %s\n", path, out.Status, out.Identity)
				case signing.NoSignature:
					fmt.Fprintf(a.out, "%s: %s\n", path, out.Status)
				default:
					fmt.Fprintf(a.out, "%s: %s %v\n", path, out.Status, out.Reason)
					code = 1
				}
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&roots, "roots", "", "root bundle (default root_bundle)")
	cmd.Flags().IntVar(&jobs, "jobs", 4, "documents verified concurrently")
	return cmd
}

func verifyOne(ctx context.Context, opts session.Options, index int, path string) (*verified, error) {
	s, _, err := session.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if _, err := s.Open(ctx, path); err != nil {
		return nil, err
	}
	out, err := s.Verify()
	if err != nil {
		return nil, err
	}
	return &verified{index: index, path: path, outcome: out}, nil
}

func (a *app) validateChainCmd() *cobra.Command {
	var roots string
	cmd := &cobra.Command{
		Use:   "validate-chain <chain.pem>",
		Short: "Validate a leaf-first certificate chain against a root bundle",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if roots == "" {
				roots = a.cfg.RootBundle
			}
			if roots == "" {
				return usagef("--roots is required when root_bundle is not configured")
			}
			res, err := chain.Validate(args[0], roots, time.Now())
			if err != nil {
				return err
			}
			for i, c := range res.Chain {
				fmt.Fprintf(a.out, "%d: %s\n", i, signing.IdentityFromName(c.Subject))
			}
			fmt.Fprintln(a.out, "trusted")
			return nil
		},
	}
	cmd.Flags().StringVar(&roots, "roots", "", "root bundle (default root_bundle)")
	return cmd
}
