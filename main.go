package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/wandiff/wandiff/cmd"
	"github.com/wandiff/wandiff/envconfig"
	"github.com/wandiff/wandiff/logutil"

	"log/slog"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
