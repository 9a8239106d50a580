// Package main is the entry point for the query-driven language-model
// runtime: it loads configuration, starts the scheduler's driver worker
// pool, connects any configured local-model LMTP workers, and serves the
// HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/lmql-rt/corert/internal/config"
	"github.com/lmql-rt/corert/internal/capacity"
	"github.com/lmql-rt/corert/internal/lmtp"
	"github.com/lmql-rt/corert/internal/lmtp/transport"
	"github.com/lmql-rt/corert/internal/metrics"
	"github.com/lmql-rt/corert/internal/scheduler"
	"github.com/lmql-rt/corert/internal/server"
	"github.com/lmql-rt/corert/internal/shard"
	"github.com/lmql-rt/corert/internal/tokenizer"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	totalCapacity := cfg.Scheduler.TotalCapacity
	if totalCapacity <= 0 {
		totalCapacity = 32000
	}
	governor := capacity.New(totalCapacity)
	stats := metrics.NewStats(prometheus.DefaultRegisterer)

	sched := scheduler.NewWithTuning(governor, stats, scheduler.Tuning{
		BatchSize:               cfg.Scheduler.BatchSize,
		MaximumCollectionPeriod: cfg.Scheduler.MaximumCollectionPeriod,
		MaximumRetries:          cfg.Scheduler.MaximumRetries,
	})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Stop()

	watcher, err := config.WatchFile("config.yaml", func(reloaded *config.Config) {
		if reloaded.Scheduler.TotalCapacity > 0 {
			governor.SetTotal(reloaded.Scheduler.TotalCapacity)
			log.Printf("config: total_capacity reloaded to %d", reloaded.Scheduler.TotalCapacity)
		}
	})
	if err != nil {
		log.Printf("config: hot reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	workerIDs := make([]string, 0, len(cfg.LMTP.Workers))
	lmtpClients := make(map[string]*lmtp.Client)
	for _, w := range cfg.LMTP.Workers {
		workerIDs = append(workerIDs, w.ID)
		client, err := connectWorker(ctx, w)
		if err != nil {
			log.Printf("lmtp: failed to connect worker %q: %v", w.ID, err)
			continue
		}
		lmtpClients[w.ID] = client
	}
	workers := shard.NewSelector(workerIDs)

	tokenizers := tokenizer.NewRegistry("tokenizers")
	defer tokenizers.Close()

	if cfg.Scheduler.DefaultTokenizer != "" {
		if tok, err := tokenizers.Get(cfg.Scheduler.DefaultTokenizer); err != nil {
			log.Printf("tokenizer: default %q unavailable, chat synthesis and token-id recovery fall back to unsupported: %v", cfg.Scheduler.DefaultTokenizer, err)
		} else {
			sched.Driver.Tokenizer = tok
			sched.Tokenizer = tok
		}
	}

	srv := server.New(cfg, sched, tokenizers, workers, lmtpClients)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmrouter listening on :%d", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func connectWorker(ctx context.Context, w config.LMTPWorkerConfig) (*lmtp.Client, error) {
	var t transport.Transport
	var err error
	switch w.Transport {
	case "websocket":
		t, err = transport.Dial(ctx, w.Address)
	default:
		t, err = transport.SpawnWorker(ctx, w.Address)
	}
	if err != nil {
		return nil, err
	}
	session := lmtp.NewSession(t)
	return lmtp.NewClient(session), nil
}
