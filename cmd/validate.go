package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quarryd/quarryd/internal/scraper"
)

const previewURLs = 5

type validateOptions struct {
	listFile  string
	selectors string
}

func newValidateCmd() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a URL list file and/or selector JSON without scraping",
		Example: `  quarryd validate urls.json
  quarryd validate -f urls.csv
  quarryd validate -s '{"title": "h1", "price": ".price"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 && opts.listFile == "" {
				opts.listFile = args[0]
			}
			return runValidate(opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.listFile, "list-file", "f", "", "JSON or CSV URL list file to check")
	f.StringVarP(&opts.selectors, "selectors", "s", "", "CSS selectors JSON to check")

	return cmd
}

func runValidate(opts *validateOptions) error {
	if opts.listFile == "" && opts.selectors == "" {
		return errors.New("nothing to validate: provide a URL list file and/or --selectors")
	}

	if opts.listFile != "" {
		if err := validateURLFile(opts.listFile); err != nil {
			return err
		}
	}
	if opts.selectors != "" {
		if opts.listFile != "" {
			pterm.Println()
		}
		if err := validateSelectorsJSON(opts.selectors); err != nil {
			return err
		}
	}
	return nil
}

func validateURLFile(path string) error {
	urls, err := scraper.LoadURLFile(path)
	if err != nil {
		return fmt.Errorf("file validation failed: %w", err)
	}

	format := strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
	pterm.Success.Println("File validation successful")
	pterm.Printf("Format: %s\n", format)
	pterm.Printf("URLs found: %d\n\n", len(urls))

	rows := pterm.TableData{{"#", "URL"}}
	for i, u := range urls {
		if i == previewURLs {
			break
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), u})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if len(urls) > previewURLs {
		pterm.Printf("... and %d more URLs\n", len(urls)-previewURLs)
	}
	return nil
}

func validateSelectorsJSON(raw string) error {
	var selectors map[string]string
	if err := json.Unmarshal([]byte(raw), &selectors); err != nil {
		return fmt.Errorf("selectors validation failed: %w", err)
	}
	if len(selectors) == 0 {
		return errors.New("selectors validation failed: JSON must map field names to CSS selectors")
	}

	pterm.Success.Println("Selector JSON valid")
	pterm.Printf("Selectors found: %d\n\n", len(selectors))

	names := make([]string, 0, len(selectors))
	for name := range selectors {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := pterm.TableData{{"Field", "Selector"}}
	for _, name := range names {
		rows = append(rows, []string{name, selectors[name]})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
