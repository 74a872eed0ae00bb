// Command evidentd runs the evidence collector: the HTTP endpoint that
// accepts chain entries and sealed bundles from producers and validates
// them against the shared MAC key.
package main

import (
	"flag"
	"log"

	"github.com/evidentsys/evident/chain"
	"github.com/evidentsys/evident/config"
	"github.com/evidentsys/evident/ratelimit"
	"github.com/evidentsys/evident/server"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to config.yaml")
	chainID := flag.String("chain", "default", "chain id served by this collector")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	key, err := cfg.Key()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store chain.Store
	switch {
	case cfg.ChainDSN != "":
		store, err = chain.OpenSQLiteStore(cfg.ChainDSN)
	case cfg.ChainDir != "":
		store, err = chain.OpenFileStore(cfg.ChainDir)
	default:
		store = chain.NewMemoryStore()
	}
	if err != nil {
		log.Fatalf("open chain store: %v", err)
	}
	defer store.Close()

	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:   cfg.WindowCapacity,
		Duration:   cfg.WindowDuration(),
		ShardCount: cfg.ShardCount,
	})
	if err != nil {
		log.Fatalf("limiter: %v", err)
	}
	limiter.StartSweeper(cfg.WindowDuration())
	defer limiter.StopSweeper()

	srv, err := server.New(key, limiter)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	srv.RegisterStore(*chainID, store)

	log.Printf("evidentd listening on %s (chain %q)", cfg.Listen, *chainID)
	if err := srv.ListenAndServe(cfg.Listen); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
