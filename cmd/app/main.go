// File: cmd/app/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	configPath string
	dev        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "entitlements",
		Short:         "Purchase and subscription entitlement service",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flags.dev, "dev", false, "developer mode: console logs, fake gateway allowed")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newReconcileCmd(flags),
		newSeedCmd(flags),
		newTokenCmd(flags),
	)
	return root
}
