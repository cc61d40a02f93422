// Command auc prints the trapezoidal and Simpson areas under a fixed series of
// ten samples. It takes no arguments.
package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vjranagit/auc/internal/app"
)

func newRootCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:           "auc",
		Short:         "Print the area under the built-in samples",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(out)
		},
	}
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		logger.Error("auc failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
