package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nugget/mcpdesk/internal/bundle"
)

// runManifests lists the bundles installed under the configured bundle
// directory.
func runManifests(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	listings, err := bundle.ListManifests(cfg.MCP.BundleDir)
	if err != nil {
		return err
	}
	return printManifests(w, listings, outputFmt)
}

func printManifests(w io.Writer, listings []bundle.Listing, outputFmt string) error {
	if outputFmt == "json" {
		if listings == nil {
			listings = []bundle.Listing{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	if len(listings) == 0 {
		fmt.Fprintln(w, "No bundles installed.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tSERVER\tDESCRIPTION")
	for _, l := range listings {
		m := l.Manifest
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Name, m.Version, m.Server.Type, m.Description)
	}
	return tw.Flush()
}
