// Copyright 2025 Joevis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gateway runs the companion AI gateway: provider failover,
// circuit breaking, budget accounting and the HTTP status surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"joevis/companion/gateway"
	"joevis/companion/gateway/budget"
	"joevis/companion/gateway/llm"
	"joevis/companion/gateway/llm/anthropic"
	"joevis/companion/gateway/llm/bedrock"
	"joevis/companion/gateway/llm/gemini"
	"joevis/companion/gateway/llm/openai"
	"joevis/companion/gateway/notify"
	"joevis/companion/shared/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logger.New("gateway")

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Error("", "invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx := context.Background()

	store, history, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Error("", "failed to open snapshot store", map[string]interface{}{
			"driver": cfg.Store.Driver,
			"error":  err.Error(),
		})
		os.Exit(1)
	}
	defer closeStore()

	bus := notify.NewBus()
	bus.Subscribe(func(n notify.Notification) {
		log.Info("", "notification", map[string]interface{}{
			"kind":    n.Kind,
			"service": n.Service,
			"message": n.Message,
		})
	})

	registry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(registry)
	metrics.ObserveBus(bus)

	breakers := gateway.NewBreakerRegistry(cfg.Breaker.ErrorThreshold, cfg.Breaker.Cooldown, bus)

	ledger := budget.NewLedger(cfg.BudgetConfig(), bus, store)
	ledger.OnFlushError = func(error) { metrics.FlushErrorsTotal.Inc() }
	ledger.AvailabilitySource = breakers.Export
	ledger.Load(ctx)
	breakers.Restore(ledger.RestoredAvailability())

	providers, err := buildProviders(ctx, cfg, log)
	if err != nil {
		log.Error("", "failed to build providers", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	orch := gateway.NewOrchestrator(providers, cfg.TaskRouting, breakers, ledger, bus, metrics)

	scheduler := budget.NewScheduler(ledger, history, cfg.FlushInterval)
	scheduler.Start()
	defer scheduler.Stop()

	server := gateway.NewServer(cfg, orch, ledger, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("", "shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			log.Error("", "server error", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

// buildProviders constructs the adapters in configured (rank) order. A
// provider without credentials stays registered but disabled; only the
// bedrock credential-chain resolution can fail construction.
func buildProviders(ctx context.Context, cfg *gateway.Config, log *logger.Logger) ([]llm.Provider, error) {
	var out []llm.Provider
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "openai":
			out = append(out, openai.NewProvider(openai.Config{
				APIKey:   pc.APIKey,
				BaseURL:  pc.BaseURL,
				Model:    pc.Model,
				UnitRate: pc.UnitRate,
			}))
		case "anthropic":
			out = append(out, anthropic.NewProvider(anthropic.Config{
				APIKey:   pc.APIKey,
				BaseURL:  pc.BaseURL,
				Model:    pc.Model,
				UnitRate: pc.UnitRate,
			}))
		case "gemini":
			out = append(out, gemini.NewProvider(gemini.Config{
				APIKey:   pc.APIKey,
				BaseURL:  pc.BaseURL,
				Model:    pc.Model,
				UnitRate: pc.UnitRate,
			}))
		case "bedrock":
			p, err := bedrock.NewProvider(ctx, bedrock.Config{
				Region:   pc.Region,
				Model:    pc.Model,
				UnitRate: pc.UnitRate,
			})
			if err != nil {
				// Credential trouble disables bedrock, it never blocks the
				// other providers
				log.Warn("", "bedrock unavailable", map[string]interface{}{"error": err.Error()})
				continue
			}
			out = append(out, p)
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}

		log.Info("", "provider registered", map[string]interface{}{
			"provider": pc.Name,
			"rank":     pc.Rank,
		})
	}
	return out, nil
}

// buildStore opens the configured snapshot store. The same backend serves
// as history sink for every driver.
func buildStore(ctx context.Context, cfg gateway.StoreConfig) (budget.SnapshotStore, budget.HistorySink, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := budget.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { _ = store.Close() }, nil
	case "redis":
		store, err := budget.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { _ = store.Close() }, nil
	case "mongo":
		store, err := budget.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}, nil
	default:
		store := budget.NewMemoryStore()
		return store, store, func() {}, nil
	}
}
