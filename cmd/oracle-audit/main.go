package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fulldecent/compound-oracle/services/oracled/audit"
)

func main() {
	database := flag.String("database", "/var/data/oracled/audit.sqlite", "Path to the oracled audit database")
	outDir := flag.String("out", "./oracle-audit", "Directory for the CSV and Parquet exports")
	assetFlag := flag.String("asset", "", "Restrict the export to one asset address")
	flag.Parse()

	var asset *common.Address
	if raw := strings.TrimSpace(*assetFlag); raw != "" {
		if !common.IsHexAddress(raw) {
			fmt.Fprintf(os.Stderr, "invalid asset address %q\n", raw)
			os.Exit(1)
		}
		addr := common.HexToAddress(raw)
		asset = &addr
	}

	dsn, err := audit.FileDSN(*database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve database: %v\n", err)
		os.Exit(1)
	}
	store, err := audit.Open(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	report, err := store.Export(context.Background(), *outDir, asset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to export events: %v\n", err)
		os.Exit(1)
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}
