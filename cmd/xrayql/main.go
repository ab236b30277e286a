// Command xrayql is an operational probe for the hardened Xray GraphQL
// client layer. It executes one query (from the first argument or
// stdin) through the full validated, authenticated path, or resolves
// Jira keys to internal ids with the "resolve" subcommand.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qamesh/xrayql/internal/config"
	"github.com/qamesh/xrayql/internal/logging"
	"github.com/qamesh/xrayql/internal/xray"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("xrayql starting",
		slog.String("version", Version),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := xray.NewHTTPClient(xray.HTTPClientConfig{
		ConnectTimeout:  cfg.ConnectTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
	})

	guard := xray.NewGuard(xray.Limits{
		JSONBytes:     cfg.MaxJSONBytes,
		TextBytes:     cfg.MaxTextBytes,
		ResponseBytes: cfg.MaxResponseBytes,
	})

	validator, err := xray.NewValidator(cfg.MaxQueryDepth)
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}

	auth := xray.NewAuthenticator(xray.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		BaseURL:      cfg.BaseURL,
	}, httpClient, guard, logger)

	client := xray.NewClient(cfg.BaseURL, auth, validator, guard, httpClient, logger)

	if len(os.Args) > 1 && os.Args[1] == "resolve" {
		return runResolve(ctx, cfg, client, logger, os.Args[2:])
	}

	query, err := readQuery(os.Args[1:])
	if err != nil {
		return err
	}

	result, err := client.Execute(ctx, query, nil)
	if err != nil {
		return err
	}

	fmt.Println(string(result))

	return nil
}

// runResolve maps one or more Jira keys to internal ids.
func runResolve(ctx context.Context, cfg *config.Config, client *xray.Client, logger *slog.Logger, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("usage: xrayql resolve <key> [key...]")
	}

	resolver, err := xray.NewResolver(client, cfg.ResolverCacheSize, logger)
	if err != nil {
		return fmt.Errorf("building resolver: %w", err)
	}

	ids, err := resolver.ResolveMany(ctx, keys, xray.ResourceUnknown)
	if err != nil {
		return err
	}

	for i, key := range keys {
		fmt.Printf("%s\t%s\n", key, ids[i])
	}

	return nil
}

// readQuery takes the query from the first argument, or from stdin when
// no argument is given.
func readQuery(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading query from stdin: %w", err)
	}

	query := strings.TrimSpace(string(data))
	if query == "" {
		return "", fmt.Errorf("no query given: pass it as an argument or on stdin")
	}

	return query, nil
}
