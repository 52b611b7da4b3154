// Package cmd defines the CLI for the dealshuttle executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealshuttle/internal/app"
	"github.com/JakeFAU/dealshuttle/internal/config"
	"github.com/JakeFAU/dealshuttle/internal/logging"
	"github.com/JakeFAU/dealshuttle/internal/pipeline"
)

// App is what the command needs from the service container. It lets tests
// inject a fake.
type App interface {
	Run(ctx context.Context) (pipeline.Report, error)
	Close()
}

// newApp is the application factory. It's a variable so we can replace it
// in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger, app.DefaultStorageClient)
}

// newRootCmd creates the single command: one bounded syndication pass, then exit.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "dealshuttle",
		Short: "Publishes product pages from the partner search API to a static site.",
		Long: `dealshuttle runs one syndication pass: it searches the partner product
catalogue, skips products that already have a page, writes a reviewed page for
each new one, and regenerates index.html, sitemap.xml and robots.txt.

Credentials come from COUPANG_ACCESS_KEY, COUPANG_SECRET_KEY, GEMINI_API_KEY
and SITE_URL (a .env file in the working directory is honoured), or from the
config file. Every key can be overridden with a SHUTTLE_ variable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	return cmd
}

func runOnce(cmd *cobra.Command, cfgFile string) error {
	if err := config.LoadDotEnv(""); err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	appInstance, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer appInstance.Close()

	report, err := appInstance.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "published %d new page(s); site has %d page(s)\n",
		len(report.Written), report.Rebuild.Posts)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// Execute is the main entry point. SIGINT and SIGTERM stop the item loop; the
// site rebuild still completes before the process exits.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dealshuttle:", err)
		os.Exit(1)
	}
}
