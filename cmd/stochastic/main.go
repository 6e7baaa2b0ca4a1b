// Command stochastic talks to StochasticAI directly or through a running
// stochasticd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
	apiToken  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "stochastic",
	Short: "StochasticAI completion client",
	Long: `stochastic runs text completions against StochasticAI model endpoints.

  stochastic generate "Capital of France?" --model-id URL    One-shot completion
  stochastic submit "Summarise ..." --wait                    Queue a task on stochasticd
  stochastic get <id>                                         Show a queued task`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("STOCHASTIC_SERVER", "http://localhost:8080"), "stochasticd server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("STOCHASTIC_TOKEN"), "bearer token for stochasticd")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")
	rootCmd.AddCommand(newGenerateCmd(), newSubmitCmd(), newGetCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
