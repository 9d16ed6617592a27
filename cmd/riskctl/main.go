package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dealscope/riskengine/internal/config"
	"github.com/dealscope/riskengine/internal/scheduler"
	"github.com/dealscope/riskengine/internal/store"
	"github.com/dealscope/riskengine/internal/tasks"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `riskctl - risk engine operations tool

Usage:
  riskctl [-config path] <command> [arguments]

Commands:
  version                         show version information
  enqueue <tenant> <opportunity>  queue one opportunity for re-evaluation
  sweep <tenant|--all>            queue every open opportunity
  stats                           show job queue statistics
  prune <days>                    delete snapshots older than N days
`)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "version" {
		fmt.Printf("riskctl v%s (built %s)\n", version, buildTime)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch args[0] {
	case "enqueue":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		runEnqueue(ctx, cfg, args[1], args[2])
	case "sweep":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		runSweep(ctx, cfg, args[1], logger)
	case "stats":
		runStats(ctx, cfg)
	case "prune":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		runPrune(ctx, cfg, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) *tasks.Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	queue, err := tasks.NewQueue(client)
	if err != nil {
		fatal("connecting to job queue: %v", err)
	}
	return queue
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fatal("connecting to database: %v", err)
	}
	return st
}

func runEnqueue(ctx context.Context, cfg *config.Config, tenantID, oppArg string) {
	oppID, err := uuid.Parse(oppArg)
	if err != nil {
		fatal("opportunity id must be a UUID: %v", err)
	}

	queue := openQueue(ctx, cfg)
	job := &tasks.Job{
		TenantID:      tenantID,
		OpportunityID: oppID,
		Reason:        "manual",
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		fatal("enqueueing job: %v", err)
	}
	fmt.Printf("enqueued job %s for opportunity %s\n", job.ID, oppID)
}

func runSweep(ctx context.Context, cfg *config.Config, target string, logger *slog.Logger) {
	st := openStore(cfg)
	defer st.Close()

	sweeper := scheduler.NewSweeper(st, openQueue(ctx, cfg), logger)

	var n int
	var err error
	if target == "--all" {
		n, err = sweeper.SweepAll(ctx)
	} else {
		n, err = sweeper.SweepTenant(ctx, target)
	}
	if err != nil {
		fatal("sweep failed after %d jobs: %v", n, err)
	}
	fmt.Printf("enqueued %d opportunities\n", n)
}

func runStats(ctx context.Context, cfg *config.Config) {
	queue := openQueue(ctx, cfg)

	stats, err := queue.Stats(ctx)
	if err != nil {
		fatal("reading queue stats: %v", err)
	}
	workers, err := queue.ActiveWorkers(ctx, 30*time.Second)
	if err == nil {
		stats["workers"] = int64(len(workers))
	}

	for _, key := range []string{"pending", "processing", "completed", "failed", "workers"} {
		fmt.Printf("%-12s %d\n", key, stats[key])
	}
}

func runPrune(ctx context.Context, cfg *config.Config, daysArg string) {
	var days int
	if _, err := fmt.Sscanf(daysArg, "%d", &days); err != nil || days <= 0 {
		fatal("days must be a positive integer")
	}

	st := openStore(cfg)
	defer st.Close()

	pruned, err := st.PruneSnapshots(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		fatal("pruning snapshots: %v", err)
	}
	fmt.Printf("pruned %d snapshots\n", pruned)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
