package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/source/amazon"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <target> [startingPage]",
		Short: "Crawls every review page of one product",
		Long: `Crawls the review listing of target, a product ID or an Amazon product
or review URL, starting at startingPage (default 1, or the page named in the
URL). The final stats are printed as JSON. When discovery fails the reason is
logged and nothing is printed.

While the crawl runs the status server answers on server.port unless
server.enabled is false.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runCrawlCommand,
	}
	cmd.Flags().Bool("no-cache", false, "always fetch live, ignoring cached pages")
	cmd.Flags().Bool("proxy", false, "route fetches through the configured proxies")
	cmd.Flags().Bool("headless", false, "render pages in headless Chrome")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	target, err := parseCrawlTarget(args)
	if err != nil {
		return err
	}

	serveCtx, stopServe := context.WithCancel(cmd.Context())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if serveErr := appInstance.Serve(serveCtx); serveErr != nil {
			logger.Warn("status server stopped", zap.Error(serveErr))
		}
	}()
	defer func() {
		stopServe()
		<-serveDone
	}()

	stats, err := appInstance.Crawl(cmd.Context(), target, appInstance.Config().Scrape)
	var discoveryErr crawler.DiscoveryError
	switch {
	case errors.As(err, &discoveryErr):
		logger.Warn("nothing to crawl", zap.String("target", target.ID), zap.Error(err))
		return nil
	case errors.Is(err, context.Canceled):
		logger.Warn("crawl canceled", zap.Int("scraped_pages", stats.ScrapedPages))
	case err != nil:
		return fmt.Errorf("crawl: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// parseCrawlTarget resolves the positional arguments. An explicit starting
// page overrides the page carried by a URL.
func parseCrawlTarget(args []string) (crawler.Target, error) {
	id, page, err := amazon.ParseTarget(args[0])
	if err != nil {
		return crawler.Target{}, fmt.Errorf("parse target: %w", err)
	}
	if len(args) > 1 {
		page, err = strconv.Atoi(args[1])
		if err != nil {
			return crawler.Target{}, fmt.Errorf("parse starting page %q: %w", args[1], err)
		}
	}
	target, err := crawler.NewTarget(id, page)
	if err != nil {
		return crawler.Target{}, fmt.Errorf("invalid target: %w", err)
	}
	return target, nil
}
