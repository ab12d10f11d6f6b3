// Package main implements a one-shot seed command that registers fake host
// heartbeats for a service directly in the Profleet database, so the API can
// be exercised without running agents. It lives inside the server module so
// it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --service demo-service --hosts 5
//
// Environment variables:
//
//	PROFLEET_DB_DSN     SQLite file path or Postgres DSN (default: ./profleet.db)
//	PROFLEET_DB_DRIVER  sqlite or postgres (default: sqlite)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/profleet-io/profleet/internal/db"
	"github.com/profleet-io/profleet/internal/profiling"
	"github.com/profleet-io/profleet/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	service := flag.String("service", "demo-service", "Service name to register hosts under")
	hosts := flag.Int("hosts", 3, "Number of fake hosts to register")
	flag.Parse()

	if *service == "" {
		return fmt.Errorf("--service is required")
	}
	if *hosts <= 0 {
		return fmt.Errorf("--hosts must be positive")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	driver := envOrDefault("PROFLEET_DB_DRIVER", "sqlite")
	dsn := envOrDefault("PROFLEET_DB_DSN", "./profleet.db")

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Create heartbeats ────────────────────────────────────────────────────

	heartbeats := repositories.NewHeartbeatRepository(database)

	now := time.Now().UTC()
	for i := 1; i <= *hosts; i++ {
		hb := &db.HostHeartbeat{
			Hostname:    fmt.Sprintf("%s-host-%02d", *service, i),
			ServiceName: *service,
			IPAddress:   fmt.Sprintf("10.0.0.%d", i),
			Status:      db.HostStatusActive,
			AvailablePIDs: profiling.PIDMap{
				"java":   {1000 + i},
				"python": {2000 + i},
			},
			HeartbeatTimestamp: now,
		}
		if err := heartbeats.Upsert(context.Background(), hb); err != nil {
			return fmt.Errorf("seed heartbeat for %s: %w", hb.Hostname, err)
		}
	}

	fmt.Printf("✓ Seeded %d host heartbeats\n", *hosts)
	fmt.Printf("  Service: %s\n", *service)
	fmt.Printf("  DSN:     %s\n", dsn)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
