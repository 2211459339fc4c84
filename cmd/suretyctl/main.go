// Command suretyctl is the operator's toolbox: it publishes the discovery
// record that tells clients where the ledger lives, and seeds the genesis
// airline so a fresh deployment can start taking registrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"surety/pkg/httpx"
	"surety/pkg/money"
	"surety/pkg/store"

	"github.com/redis/go-redis/v9"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	openRedisFn = func(ctx context.Context) (*redis.Client, error) { return store.NewRedis(ctx) }
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "publish-discovery":
		return publishDiscovery(args[1:], out)
	case "seed-genesis":
		return seedGenesis(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "suretyctl commands:")
	fmt.Fprintln(out, "  publish-discovery --env local --gateway-url http://localhost:8080 --out addresses.json [--redis]")
	fmt.Fprintln(out, "  seed-genesis --gateway http://localhost:8080 --airline genesis --amount 1000")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type discoveryEntry struct {
	Gateway   string `json:"gateway"`
	Stream    string `json:"stream"`
	UpdatedAt string `json:"updated_at"`
}

func publishDiscovery(args []string, out io.Writer) error {
	fs := newFlagSet("publish-discovery")
	envName := fs.String("env", "local", "environment name")
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	streamURL := fs.String("stream-url", "", "websocket stream URL (derived from gateway-url when empty)")
	outPath := fs.String("out", "addresses.json", "discovery file output")
	toRedis := fs.Bool("redis", false, "also publish the record into redis")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gatewayURL == "" {
		return errors.New("gateway-url required")
	}
	stream := *streamURL
	if stream == "" {
		stream = strings.Replace(strings.TrimRight(*gatewayURL, "/"), "http", "ws", 1) + "/v1/stream"
	}

	// Merge into an existing record so one file can carry every environment.
	record := map[string]discoveryEntry{}
	if raw, err := os.ReadFile(*outPath); err == nil {
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("existing discovery file is not valid JSON: %w", err)
		}
	}
	record[*envName] = discoveryEntry{
		Gateway:   strings.TrimRight(*gatewayURL, "/"),
		Stream:    stream,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode discovery record: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write discovery file: %w", err)
	}
	fmt.Fprintf(out, "wrote %s for %s\n", *outPath, *envName)

	if *toRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := openRedisFn(ctx)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		payload, _ := json.Marshal(record[*envName])
		if err := client.Set(ctx, "surety:discovery:"+*envName, payload, 0).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
		fmt.Fprintf(out, "published surety:discovery:%s\n", *envName)
	}
	return nil
}

func seedGenesis(args []string, out io.Writer) error {
	fs := newFlagSet("seed-genesis")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base URL")
	airline := fs.String("airline", "genesis", "genesis airline id")
	amount := fs.Int64("amount", 1000, "funding amount in hundredths of a unit")
	authToken := fs.String("auth", os.Getenv("AUTH_TOKEN"), "gateway bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *amount <= 0 {
		return errors.New("amount must be positive")
	}

	var headers map[string]string
	if *authToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + *authToken}
	}
	body, _ := json.Marshal(map[string]any{"airline": *airline, "amount": *amount})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, http.DefaultClient, http.MethodPost,
		strings.TrimRight(*gateway, "/")+"/v1/airlines/fund", body, headers, 2, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("fund genesis: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fund genesis: gateway returned %d: %s", status, resp)
	}
	fmt.Fprintf(out, "funded %s with %s\n", *airline, money.Format(*amount))
	return nil
}
