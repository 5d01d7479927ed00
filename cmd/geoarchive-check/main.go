// Command geoarchive-check validates a configuration folder the way the
// server would load it, without touching any data.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/query"
)

func main() {
	os.Exit(run())
}

func run() int {
	dir := flag.String("config", envOr("CONFIG_PATH", "/home/config"), "configuration folder")
	asJSON := flag.Bool("json", false, "print the metadata document served on /metadata")
	flag.Parse()

	res, err := catalog.Load(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration in %s: %v\n", *dir, err)
		return 1
	}
	cat := res.Catalog

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(query.Describe(cat)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tTYPE\tFORMAT\tVARIABLES\tFILES")
	for _, ds := range cat.DataSets() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", ds.Code, ds.Type, ds.Format, len(ds.Variables), len(ds.Files))
	}
	_ = tw.Flush()
	if ws := cat.WebServer; ws.Enabled() {
		fmt.Printf("webserver: %s on port %d\n", ws.Protocol, ws.Port)
	} else {
		fmt.Println("webserver: disabled")
	}
	fmt.Printf("%d documents read\n", len(res.Files))
	return 0
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
