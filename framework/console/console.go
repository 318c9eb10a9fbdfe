// Package console is the command-line front-end: serve the container,
// trial-deploy descriptor files, or validate them without deploying.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/km-arc/go-mc/framework/app"
	"github.com/km-arc/go-mc/framework/deployment"
	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/msc"
)

// ErrDeployFailed is returned by deploy when any file did not fully install.
var ErrDeployFailed = errors.New("one or more deployments failed")

// Execute runs the root command against os.Args.
func Execute(opts ...app.Option) error {
	return NewRootCommand(opts...).Execute()
}

// NewRootCommand builds the command tree. opts are passed to every
// application the subcommands create.
func NewRootCommand(opts ...app.Option) *cobra.Command {
	var envFiles []string
	newApp := func() (*app.Application, error) {
		all := append([]app.Option(nil), opts...)
		if len(envFiles) > 0 {
			all = append(all, app.WithEnvFiles(envFiles...))
		}
		return app.New(all...)
	}

	root := &cobra.Command{
		Use:   "mc",
		Short: "Bean lifecycle micro-container",
		Long: `mc installs beans described in YAML deployment descriptors, drives each
through its lifecycle states as dependencies become available, and serves a
management API for deploying and inspecting them at runtime.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "env files to load (default .env)")

	root.AddCommand(
		newServeCommand(newApp),
		newDeployCommand(newApp),
		newValidateCommand(),
		newVersionCommand(newApp),
	)
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCommand(newApp func() (*app.Application, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Deploy the deployment directory and serve the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

// ── deploy ────────────────────────────────────────────────────────────────────

func newDeployCommand(newApp func() (*app.Application, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy FILE...",
		Short: "Deploy descriptor files, print every bean state, then undeploy",
		Long: `Deploy installs each file as its own deployment, waits for the container
to settle and prints the state of every bean together with any failures or
unresolved dependencies. Everything is undeployed before the command exits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.Boot(); err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() { _ = a.Shutdown(context.Background()) }()

			out := cmd.OutOrStdout()
			mgr := a.Deployments()
			failed := false
			for _, path := range args {
				doc, err := deployment.LoadFile(path)
				if err != nil {
					failed = true
					fmt.Fprintf(out, "%s\n  error: %v\n", path, err)
					continue
				}
				report, err := mgr.Deploy(ctx, doc.Name, doc.Beans)
				if err != nil {
					failed = true
				}
				printDeployment(out, mgr, path, doc.Name, report, err)
			}
			if failed {
				return ErrDeployFailed
			}
			return nil
		},
	}
}

func printDeployment(out io.Writer, mgr *deployment.Manager, path, name string, report *msc.Report, err error) {
	fmt.Fprintf(out, "%s\n", path)
	if report == nil {
		fmt.Fprintf(out, "  error: %v\n", err)
		return
	}
	if d, gerr := mgr.Get(name); gerr == nil {
		for _, b := range d.Beans() {
			fmt.Fprintf(out, "  %-24s %s\n", b.Name, b.State)
		}
	}
	for _, unit := range sortedKeys(report.Failed) {
		fmt.Fprintf(out, "  failed  %s: %v\n", unit, report.Failed[unit])
	}
	for _, unit := range sortedKeys(report.Waiting) {
		fmt.Fprintf(out, "  waiting %s on %v\n", unit, report.Waiting[unit])
	}
	if len(report.Missing) > 0 {
		fmt.Fprintf(out, "  missing %v\n", report.Missing)
	}
}

// ── validate ──────────────────────────────────────────────────────────────────

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Parse and validate descriptor files without deploying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				doc, err := deployment.LoadFile(path)
				if err == nil {
					err = doc.Validate()
				}
				if err == nil {
					fmt.Fprintf(out, "%s: ok (%d beans)\n", path, len(doc.Beans))
					continue
				}
				errs = append(errs, fmt.Errorf("%s: %w", path, err))

				var verrs descriptor.ValidationErrors
				if !errors.As(err, &verrs) {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: invalid\n", path)
				bag := verrs.Bag()
				for _, key := range sortedKeys(bag) {
					for _, msg := range bag[key] {
						fmt.Fprintf(out, "  %s: %s\n", key, msg)
					}
				}
			}
			return errors.Join(errs...)
		},
	}
}

// ── version ───────────────────────────────────────────────────────────────────

func newVersionCommand(newApp func() (*app.Application, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.Version())
			return nil
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
