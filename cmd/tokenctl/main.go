package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trusttoken/internal/app"
	"trusttoken/internal/config"
	"trusttoken/internal/logging"
	"trusttoken/internal/store"
	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		exitf("usage: tokenctl <issue|count|prune|commitment> [flags]")
	}
	app.RestrictFileMode()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "issue":
		runIssue(ctx, os.Args[2:])
	case "count":
		runCount(ctx, os.Args[2:])
	case "prune":
		runPrune(ctx, os.Args[2:])
	case "commitment":
		runCommitment(ctx, os.Args[2:])
	default:
		exitf("unknown subcommand %q", os.Args[1])
	}
}

type common struct {
	settings *config.Config
	issuer   config.IssuerConfig
	origin   trusttoken.Origin
}

func parseCommon(fs *flag.FlagSet, args []string) common {
	cfgPath := fs.String("config", "", "optional path to a TOML config file")
	issuerURL := fs.String("issuer", "", "issuer origin, e.g. https://issuer.example")
	issuancePath := fs.String("issuance-path", "", "issuance endpoint path on the issuer")
	if err := fs.Parse(args); err != nil {
		exitf("parse flags failed: %v", err)
	}
	settings, err := config.Load(*cfgPath)
	if err != nil {
		exitf("load config failed: %v", err)
	}
	logging.Setup("tokenctl", settings.Env, settings.LogLevel)

	if strings.TrimSpace(*issuerURL) == "" {
		exitf("required flag: --issuer")
	}
	origin, err := trusttoken.ParseSuitableOrigin(*issuerURL)
	if err != nil {
		exitf("invalid issuer: %v", err)
	}
	issuer := config.IssuerConfig{URL: origin.String(), IssuancePath: *issuancePath}
	for _, iss := range settings.Issuers {
		if o, err := trusttoken.ParseOrigin(iss.URL); err == nil && o == origin {
			issuer = iss
			if *issuancePath != "" {
				issuer.IssuancePath = *issuancePath
			}
		}
	}
	return common{settings: settings, issuer: issuer, origin: origin}
}

func openStore(c common) store.Store {
	s, err := app.OpenStore(c.settings)
	if err != nil {
		exitf("open token store failed: %v", err)
	}
	return s
}

func runIssue(ctx context.Context, args []string) {
	c := parseCommon(flag.NewFlagSet("issue", flag.ExitOnError), args)
	s := openStore(c)
	defer s.Close()

	client, err := app.NewRefillClient(c.settings, s, nil)
	if err != nil {
		exitf("build client failed: %v", err)
	}
	count, err := client.Issue(ctx, c.issuer.IssuanceURL())
	out := map[string]interface{}{
		"issuer": c.origin.String(),
		"status": trusttoken.StatusOf(err).String(),
		"tokens": count,
	}
	if err != nil {
		out["error"] = err.Error()
		writeJSON(out)
		os.Exit(1)
	}
	writeJSON(out)
}

func runCount(ctx context.Context, args []string) {
	c := parseCommon(flag.NewFlagSet("count", flag.ExitOnError), args)
	s := openStore(c)
	defer s.Close()

	count, err := s.CountTokens(ctx, c.origin)
	if err != nil {
		exitf("count tokens failed: %v", err)
	}
	topLevel, err := trusttoken.ParseOrigin(c.settings.TopLevelOrigin)
	if err != nil {
		exitf("invalid top_level_origin: %v", err)
	}
	associated, err := s.IsAssociated(ctx, c.origin, topLevel)
	if err != nil {
		exitf("load association failed: %v", err)
	}
	writeJSON(map[string]interface{}{
		"issuer":     c.origin.String(),
		"tokens":     count,
		"capacity":   trusttoken.PerIssuerTokenCapacity,
		"associated": associated,
	})
}

func runPrune(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	all := fs.Bool("all", false, "drop every token held for the issuer")
	c := parseCommon(fs, args)
	s := openStore(c)
	defer s.Close()

	before, err := s.CountTokens(ctx, c.origin)
	if err != nil {
		exitf("count tokens failed: %v", err)
	}
	if *all {
		if err := s.ClearIssuer(ctx, c.origin); err != nil {
			exitf("clear issuer failed: %v", err)
		}
	} else {
		getter, err := app.NewGetter(c.settings, nil)
		if err != nil {
			exitf("build key commitment getter failed: %v", err)
		}
		commitment, err := getter.Get(ctx, c.origin)
		if err != nil {
			exitf("fetch key commitment failed: %v", err)
		}
		if commitment == nil {
			exitf("issuer %s has no key commitment; use --all to drop its tokens", c.origin)
		}
		if err := s.PruneStaleIssuerState(ctx, c.origin, commitment.Keys); err != nil {
			exitf("prune failed: %v", err)
		}
	}
	after, err := s.CountTokens(ctx, c.origin)
	if err != nil {
		exitf("count tokens failed: %v", err)
	}
	writeJSON(map[string]interface{}{
		"issuer": c.origin.String(),
		"before": before,
		"after":  after,
	})
}

func runCommitment(ctx context.Context, args []string) {
	c := parseCommon(flag.NewFlagSet("commitment", flag.ExitOnError), args)
	getter, err := app.NewGetter(c.settings, nil)
	if err != nil {
		exitf("build key commitment getter failed: %v", err)
	}
	commitment, err := getter.Get(ctx, c.origin)
	if err != nil {
		exitf("fetch key commitment failed: %v", err)
	}
	if commitment == nil {
		exitf("issuer %s has no key commitment", c.origin)
	}
	keys := make([]map[string]interface{}, 0, len(commitment.Keys))
	for _, k := range commitment.Keys {
		entry := map[string]interface{}{"key_id": crypto.KeyIDHex(k.Body)}
		if !k.Expiry.IsZero() {
			entry["expiry"] = k.Expiry.UTC()
		}
		keys = append(keys, entry)
	}
	writeJSON(map[string]interface{}{
		"issuer":           c.origin.String(),
		"protocol_version": commitment.ProtocolVersion,
		"id":               commitment.ID,
		"batch_size":       trusttoken.IssuanceBatchSize(commitment),
		"keys":             keys,
	})
}

func writeJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		exitf("encode json failed: %v", err)
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
