// Package cmd defines and implements the CLI commands for the reviewcrawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/app"
	"github.com/JakeFAU/review-crawler/internal/config"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands use. Tests inject fakes
// through newApp.
type App interface {
	Crawl(ctx context.Context, target crawler.Target, opts crawler.ScrapeOptions) (crawler.Stats, error)
	Serve(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// loadConfig reads configuration. Replaced in tests.
var loadConfig = config.Load

// newRootCmd creates and configures the root command. onBuild receives the
// App once it is built so the caller can close it.
func newRootCmd(onBuild func(App)) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "reviewcrawler",
		Short: "Crawls the paginated review listing of an Amazon product.",
		Long: `reviewcrawler discovers how many review pages a product has, fetches
every page through a bounded worker pool with a page cache in front of the
network, and reports running statistics while it works.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the App after flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyScrapeFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			onBuild(appInstance)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml and $HOME/.reviewcrawler/config.yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// applyScrapeFlags copies explicitly set scrape flags onto cfg. Forcing
// headless on also enables the headless subsystem.
func applyScrapeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Lookup("no-cache") != nil && flags.Changed("no-cache") {
		noCache, err := flags.GetBool("no-cache")
		if err != nil {
			return fmt.Errorf("read --no-cache: %w", err)
		}
		cfg.Scrape.Cache = !noCache
	}
	if flags.Lookup("proxy") != nil && flags.Changed("proxy") {
		useProxy, err := flags.GetBool("proxy")
		if err != nil {
			return fmt.Errorf("read --proxy: %w", err)
		}
		cfg.Scrape.UseProxy = useProxy
	}
	if flags.Lookup("headless") != nil && flags.Changed("headless") {
		headless, err := flags.GetBool("headless")
		if err != nil {
			return fmt.Errorf("read --headless: %w", err)
		}
		cfg.Scrape.Headless = headless
		if headless {
			cfg.Headless.Enabled = true
			cfg.Headless.MaxParallel = max(cfg.Headless.MaxParallel, 1)
		}
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// runCLI executes args and closes the App whether or not the command
// succeeded.
func runCLI(ctx context.Context, args []string, out io.Writer) error {
	var built App
	root := newRootCmd(func(a App) { built = a })
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if built != nil {
		if closeErr := built.Close(context.WithoutCancel(ctx)); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close app: %w", closeErr))
		}
	}
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := runCLI(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
