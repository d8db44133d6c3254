// Teller - conversational banking orchestrator
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := newRootCommand(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), logger)
		},
	}

	root := &cobra.Command{
		Use:           "teller",
		Short:         "Conversational banking orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, newCheckCatalogCommand())
	return root
}

func newCheckCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-catalog <path>",
		Short: "Validate an intent and tool catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Load(args[0])
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "catalog invalid: %v\n", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d intents, %d tools\n", len(c.Intents), len(c.Tools))
			for _, name := range c.IntentNames() {
				in, _ := c.Intent(name)
				fmt.Fprintf(cmd.OutOrStdout(), "  %-22s tools=%v\n", name, in.ToolNames())
			}
			return nil
		},
	}
}
