package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fulldecent/compound-oracle/cmd/internal/passphrase"
	"github.com/fulldecent/compound-oracle/native/oracle"
	"github.com/fulldecent/compound-oracle/services/oracled/client"
)

const defaultProfile = "./oraclectl.toml"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, p profile, args []string, out io.Writer) error
}

var commands = []command{
	{"set-price", "set-price <asset> <price>", runSetPrice},
	{"set-prices", "set-prices <asset>=<price> [<asset>=<price> ...]", runSetPrices},
	{"set-pending-anchor", "set-pending-anchor <asset> <price>", runSetPendingAnchor},
	{"get-price", "get-price <asset>", runGetPrice},
	{"get-anchor", "get-anchor <asset>", runGetAnchor},
	{"get-pending-anchor", "get-pending-anchor <asset>", runGetPendingAnchor},
	{"state-root", "state-root", runStateRoot},
	{"events", "events [-limit n] [asset]", runEvents},
	{"keygen", "keygen <keystore-path>", runKeygen},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		usage(stderr)
		return 1
	}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", defaultProfile, "Path to the oraclectl TOML profile")
	endpoint := fs.String("endpoint", "", "Override the oracled endpoint from the profile")
	limit := fs.Int("limit", 0, "Override the number of entries listed by events")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	p, err := loadProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *endpoint != "" {
		p.Endpoint = *endpoint
	}
	if *limit > 0 {
		p.EventLimit = *limit
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()
	if err := cmd.run(ctx, p, fs.Args(), stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: oraclectl <command> [-profile path] [-endpoint url] [args]")
	fmt.Fprintln(w, "Prices are decimals with up to 18 fractional digits, e.g. 1.05.")
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s\n", cmd.usage)
	}
}

func signedClient(p profile) (*client.Client, error) {
	key, err := p.signer()
	if err != nil {
		return nil, err
	}
	return client.New(p.Endpoint, client.WithSigner(key))
}

func runSetPrice(ctx context.Context, p profile, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set-price <asset> <price>")
	}
	asset, price, err := parsePair(args[0], args[1])
	if err != nil {
		return err
	}
	c, err := signedClient(p)
	if err != nil {
		return err
	}
	result, err := c.SetPrice(ctx, asset, price)
	if err != nil {
		return err
	}
	return printJSON(out, resultView(result))
}

func runSetPrices(ctx context.Context, p profile, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: set-prices <asset>=<price> [...]")
	}
	assets := make([]common.Address, 0, len(args))
	prices := make([]*uint256.Int, 0, len(args))
	for _, arg := range args {
		rawAsset, rawPrice, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected <asset>=<price>, got %q", arg)
		}
		asset, price, err := parsePair(rawAsset, rawPrice)
		if err != nil {
			return err
		}
		assets = append(assets, asset)
		prices = append(prices, price)
	}
	c, err := signedClient(p)
	if err != nil {
		return err
	}
	results, err := c.SetPrices(ctx, assets, prices)
	if err != nil {
		return err
	}
	views := make([]map[string]any, 0, len(results))
	for _, result := range results {
		views = append(views, resultView(result))
	}
	return printJSON(out, views)
}

func runSetPendingAnchor(ctx context.Context, p profile, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set-pending-anchor <asset> <price>")
	}
	asset, price, err := parsePair(args[0], args[1])
	if err != nil {
		return err
	}
	c, err := signedClient(p)
	if err != nil {
		return err
	}
	ack, err := c.SetPendingAnchor(ctx, asset, price)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"asset":       ack.Asset.Hex(),
		"old_pending": oracle.FormatMantissa(ack.OldPending),
		"new_pending": oracle.FormatMantissa(ack.NewPending),
		"height":      ack.Height,
	})
}

func runGetPrice(ctx context.Context, p profile, args []string, out io.Writer) error {
	asset, err := singleAsset(args, "get-price")
	if err != nil {
		return err
	}
	c, err := client.New(p.Endpoint)
	if err != nil {
		return err
	}
	price, err := c.GetPrice(ctx, asset)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{"asset": asset.Hex(), "price": oracle.FormatMantissa(price)})
}

func runGetAnchor(ctx context.Context, p profile, args []string, out io.Writer) error {
	asset, err := singleAsset(args, "get-anchor")
	if err != nil {
		return err
	}
	c, err := client.New(p.Endpoint)
	if err != nil {
		return err
	}
	anchor, err := c.GetAnchor(ctx, asset)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"asset":        asset.Hex(),
		"price":        oracle.FormatMantissa(anchor.Price),
		"period_start": anchor.PeriodStart,
		"exists":       anchor.Exists,
	})
}

func runGetPendingAnchor(ctx context.Context, p profile, args []string, out io.Writer) error {
	asset, err := singleAsset(args, "get-pending-anchor")
	if err != nil {
		return err
	}
	c, err := client.New(p.Endpoint)
	if err != nil {
		return err
	}
	pending, err := c.GetPendingAnchor(ctx, asset)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{"asset": asset.Hex(), "pending": oracle.FormatMantissa(pending)})
}

func runStateRoot(ctx context.Context, p profile, args []string, out io.Writer) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: state-root")
	}
	c, err := client.New(p.Endpoint)
	if err != nil {
		return err
	}
	root, err := c.StateRoot(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{"root": root.Hex()})
}

func runEvents(ctx context.Context, p profile, args []string, out io.Writer) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: events [-limit n] [asset]")
	}
	var filter *common.Address
	if len(args) == 1 {
		asset, err := parseAsset(args[0])
		if err != nil {
			return err
		}
		filter = &asset
	}
	c, err := client.New(p.Endpoint)
	if err != nil {
		return err
	}
	events, err := c.ListEvents(ctx, filter, p.EventLimit)
	if err != nil {
		return err
	}
	return printJSON(out, events)
}

func runKeygen(_ context.Context, p profile, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keygen <keystore-path>")
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keystore file %s already exists", path)
	}
	pass, err := passphrase.NewSource(p.PassEnv, "new keystore passphrase").Get()
	if err != nil {
		return err
	}
	addr, err := writeKeystore(path, pass, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]string{"address": addr, "keystore": path})
}

func resultView(result client.Result) map[string]any {
	view := map[string]any{
		"asset":           result.Asset.Hex(),
		"status":          result.Status,
		"requested_price": oracle.FormatMantissa(result.RequestedPrice),
		"old_price":       oracle.FormatMantissa(result.OldPrice),
		"new_price":       oracle.FormatMantissa(result.NewPrice),
		"anchor_price":    oracle.FormatMantissa(result.Anchor.Price),
		"period_start":    result.Anchor.PeriodStart,
		"height":          result.Height,
	}
	if result.Error != "" {
		view["error"] = result.Error
	}
	return view
}

func parsePair(rawAsset, rawPrice string) (common.Address, *uint256.Int, error) {
	asset, err := parseAsset(rawAsset)
	if err != nil {
		return common.Address{}, nil, err
	}
	price, err := oracle.ParseMantissa(strings.TrimSpace(rawPrice))
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("price %q: %w", rawPrice, err)
	}
	return asset, price, nil
}

func singleAsset(args []string, name string) (common.Address, error) {
	if len(args) != 1 {
		return common.Address{}, fmt.Errorf("usage: %s <asset>", name)
	}
	return parseAsset(args[0])
}

func parseAsset(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid asset address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
