package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quarryd/quarryd/internal/app"
	"github.com/quarryd/quarryd/internal/config"
	"github.com/quarryd/quarryd/internal/jobs"
	"github.com/quarryd/quarryd/internal/scrape"
	"github.com/quarryd/quarryd/internal/scraper"
)

const scrapePollInterval = 100 * time.Millisecond

type scrapeOptions struct {
	url          string
	listFile     string
	outputDir    string
	forceDynamic bool
	selectors    string
	timeout      int
	delay        float64
	verbose      bool
}

func newScrapeCmd() *cobra.Command {
	opts := &scrapeOptions{}

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape one URL or a URL list and save results locally",
		Long: `Runs the full scraping pipeline in-process, one URL at a time, and writes
each result to <output-dir>/<job_id>.json. Accepts a single URL or a
JSON/CSV list file.`,
		Example: `  quarryd scrape -u https://example.com
  quarryd scrape -f urls.json -o ./results
  quarryd scrape -u https://example.com -s '{"title": "h1", "price": ".price"}'
  quarryd scrape -f urls.csv -d --delay 2.5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.url, "url", "u", "", "single URL to scrape")
	f.StringVarP(&opts.listFile, "list-file", "f", "", "JSON or CSV file of URLs to scrape")
	f.StringVarP(&opts.outputDir, "output-dir", "o", "./scrapes_out", "directory for result files")
	f.BoolVarP(&opts.forceDynamic, "force-dynamic", "d", false, "always render pages headlessly instead of auto-detecting")
	f.StringVarP(&opts.selectors, "selectors", "s", "", "custom CSS selectors as a JSON object")
	f.IntVarP(&opts.timeout, "timeout", "t", 30, "fetch timeout in seconds")
	f.Float64Var(&opts.delay, "delay", 1.0, "minimum seconds between requests to the same domain")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	return cmd
}

func runScrape(ctx context.Context, opts *scrapeOptions) error {
	if opts.url == "" && opts.listFile == "" {
		return errors.New("either --url or --list-file is required")
	}
	if opts.url != "" && opts.listFile != "" {
		return errors.New("--url and --list-file are mutually exclusive")
	}

	var selectors map[string]string
	if opts.selectors != "" {
		if err := json.Unmarshal([]byte(opts.selectors), &selectors); err != nil {
			return fmt.Errorf("parse selectors JSON: %w", err)
		}
	}

	targets := []string{opts.url}
	source := opts.url
	if opts.listFile != "" {
		var err error
		targets, err = scraper.LoadURLFile(opts.listFile)
		if err != nil {
			return err
		}
		source = fmt.Sprintf("%s (%d URLs)", opts.listFile, len(targets))
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyScrapeOverrides(&cfg, opts)

	application, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	manager := application.Manager()
	manager.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Stop(stopCtx)
		_ = application.Close(stopCtx)
	}()

	method := "Auto-detect"
	if opts.forceDynamic {
		method = "Dynamic (headless)"
	}
	pterm.Printf("%s\n", pterm.Cyan("quarryd scraper"))
	pterm.Printf("Source: %s\n", source)
	pterm.Printf("Output: %s\n", opts.outputDir)
	pterm.Printf("Method: %s\n\n", method)

	spinner, _ := pterm.DefaultSpinner.Start("Starting...")

	type outcome struct {
		target string
		result *scrape.Result
		err    error
	}
	outcomes := make([]outcome, 0, len(targets))
	for i, target := range targets {
		spinner.UpdateText(fmt.Sprintf("Scraping %d/%d: %s", i+1, len(targets), target))

		result, err := scrapeOne(ctx, manager, scrape.Request{
			InputKind:    scrape.InputURL,
			Target:       target,
			ForceDynamic: opts.forceDynamic,
			Selectors:    selectors,
		})
		outcomes = append(outcomes, outcome{target: target, result: result, err: err})
		if err != nil {
			pterm.Printf("%s %s → Error: %v\n", pterm.Red("✗"), target, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		pterm.Printf("%s %s → %d items (%s)\n", pterm.Green("✓"), target, len(result.Items), result.Method)
	}
	spinner.Success("Done")

	successful, totalItems := 0, 0
	methods := map[string]int{}
	rows := pterm.TableData{{"URL", "Items", "Method", "Status"}}
	for _, oc := range outcomes {
		if oc.err != nil {
			rows = append(rows, []string{oc.target, "-", "-", "failed"})
			continue
		}
		successful++
		totalItems += len(oc.result.Items)
		methods[string(oc.result.Method)]++
		rows = append(rows, []string{oc.target, fmt.Sprintf("%d", len(oc.result.Items)), string(oc.result.Method), "ok"})
	}

	pterm.Println()
	if len(rows) > maxSummaryRows+1 {
		extra := len(rows) - maxSummaryRows - 1
		rows = rows[:maxSummaryRows+1]
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		pterm.Printf("... and %d more URLs\n", extra)
	} else {
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	pterm.Println()
	pterm.Success.Println("Scraping Complete!")
	pterm.Printf("Successfully scraped: %d/%d URLs\n", successful, len(targets))
	pterm.Printf("Total data items: %d\n", totalItems)
	pterm.Printf("Results saved to: %s\n", opts.outputDir)
	if len(methods) > 0 {
		pterm.Println("\nExtraction methods used:")
		for _, name := range sortedKeys(methods) {
			pterm.Printf("  %s: %d URLs\n", name, methods[name])
		}
	}

	if failed := len(outcomes) - successful; failed > 0 {
		return fmt.Errorf("%d of %d URLs failed", failed, len(targets))
	}
	return nil
}

// applyScrapeOverrides narrows the service config for a one-shot local
// run: results on disk under the chosen directory, no publishing, quiet
// logs unless asked otherwise.
func applyScrapeOverrides(cfg *config.Config, opts *scrapeOptions) {
	cfg.Storage.Provider = "local"
	cfg.Storage.Prefix = ""
	cfg.Jobs.OutputDir = opts.outputDir
	cfg.Fetch.TimeoutSeconds = opts.timeout
	cfg.Politeness.DefaultDelayMs = int(opts.delay * 1000)
	cfg.PubSub.Enabled = false
	cfg.Logging.Level = "warn"
	if opts.verbose {
		cfg.Logging.Level = "info"
	}
}

// scrapeOne submits a single request and waits for it to reach a
// terminal state.
func scrapeOne(ctx context.Context, manager *jobs.Manager, req scrape.Request) (*scrape.Result, error) {
	job, err := manager.Submit(req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(scrapePollInterval)
	defer ticker.Stop()
	for {
		current, err := manager.Status(job.ID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case scrape.JobStatusCompleted:
			return manager.Result(job.ID)
		case scrape.JobStatusFailed:
			return nil, errors.New(strings.TrimPrefix(current.Progress, "Failed: "))
		case scrape.JobStatusCancelled:
			return nil, errors.New("job cancelled")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

const maxSummaryRows = 20

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
