package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/habitusnet/llmgateway/internal/auth"
	"github.com/habitusnet/llmgateway/internal/capability"
)

var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmgateway",
		Short:         "Multi-tenant gateway in front of LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newModelsCmd(), newHashTokenCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := serve(cmd.Context()); err != nil {
				slog.Error("gateway stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Print the capability catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := capability.Load(catalogPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tSTREAM\tTOOLS\tJSON\tVISION\tCONTEXT\tEMULATED")
			for _, p := range cat.Providers() {
				for _, m := range cat.Models(p) {
					entry, _ := cat.Lookup(p, m)
					c := entry.Capabilities
					fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%t\t%d\t%v\n",
						p, m, c.SupportsStreaming, c.SupportsToolCalls, c.SupportsJSONMode,
						c.SupportsVision, c.MaxContextTokens, cat.Emulations(p))
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("CAPABILITY_CATALOG"), "capability catalog YAML (built-in when empty)")
	return cmd
}

// newHashTokenCmd prints the bcrypt hash to put in ADMIN_TOKEN_HASH.
func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Hash an admin token for ADMIN_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
