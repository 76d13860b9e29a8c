// Command lifeperp-reporter runs a standalone reporter process. It reads
// decimal index observations from stdin (one per line), signs each one with
// the reporter's key, and submits it to the engine's feed API. The
// encrypt-key subcommand seals a raw signing key into the encrypted keyfile
// format the client loads at startup.
//
//	life-index-source | lifeperp-reporter -id hospital-a -api http://engine:8000 -key-file reporter.key
//	lifeperp-reporter encrypt-key -key 0xabc... -out reporter.key
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/reporter"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := runEncryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runSubmit(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// runSubmit is the default mode: relay stdin observations to the feed API.
func runSubmit(args []string) error {
	fs := flag.NewFlagSet("lifeperp-reporter", flag.ExitOnError)
	apiURL := fs.String("api", "http://localhost:8000", "engine API base URL")
	id := fs.String("id", "", "registered reporter ID")
	apiKey := fs.String("api-key", os.Getenv("LIFEPERP_API_KEY"), "public API bearer token")
	rawKey := fs.String("key", os.Getenv("LIFEPERP_REPORTER_KEY"), "hex signing key (omit to use -key-file)")
	keyFile := fs.String("key-file", "", "encrypted keyfile path")
	timeout := fs.Duration("timeout", 10*time.Second, "submission timeout")
	debug := fs.Bool("debug", false, "log accepted submissions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := reporter.NewFromKey(
		reporter.Config{
			BaseURL:    *apiURL,
			ReporterID: *id,
			APIKey:     *apiKey,
			Timeout:    *timeout,
		},
		crypto.KeyConfig{
			RawPrivateKey:    *rawKey,
			EncryptedKeyPath: *keyFile,
			KeyPassword:      os.Getenv("LIFEPERP_KEY_PASSWORD"),
		},
		logger,
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reporter started",
		slog.String("reporter_id", *id),
		slog.String("api", *apiURL),
		slog.String("address", client.Address()),
	)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		value, err := decimal.NewFromString(line)
		if err != nil {
			logger.Warn("skipping unparseable observation", slog.String("line", line))
			continue
		}

		if err := client.Submit(ctx, value, time.Now().UTC()); err != nil {
			// Rejections are expected traffic (deviation, rate limit);
			// keep relaying.
			logger.Warn("submission rejected", slog.String("error", err.Error()))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}

	logger.Info("reporter stopped")
	return nil
}

// runEncryptKey seals a raw hex key into an encrypted keyfile.
func runEncryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	rawKey := fs.String("key", os.Getenv("LIFEPERP_REPORTER_KEY"), "hex signing key to encrypt")
	out := fs.String("out", "reporter.key", "output keyfile path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("LIFEPERP_KEY_PASSWORD")
	if password == "" {
		return fmt.Errorf("set LIFEPERP_KEY_PASSWORD to encrypt the key")
	}

	blob, err := crypto.EncryptKey(*rawKey, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("writing keyfile: %w", err)
	}

	fmt.Printf("encrypted keyfile written to %s\n", *out)
	return nil
}
