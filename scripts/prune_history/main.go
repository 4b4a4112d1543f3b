package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"wallet-stream/internal/adapters/secondary"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/database"
)

func main() {
	olderThan := flag.Duration("older-than", 30*24*time.Hour, "delete transfers and metrics received before now minus this duration")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.NewMongoDB(&cfg.MongoDB)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	defer db.Close(ctx)

	cutoff := time.Now().Add(-*olderThan)
	fmt.Printf("Pruning history older than %s in database: %s\n", cutoff.Format(time.RFC3339), cfg.MongoDB.Database)

	deleted, err := secondary.NewTransferRepository(db).DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Fatalf("Failed to prune transfers: %v", err)
	}
	fmt.Printf("Deleted %d transfers\n", deleted)

	if err := secondary.NewMetricsRepository(db).CleanupOldMetrics(ctx, cutoff); err != nil {
		log.Fatalf("Failed to prune connection metrics: %v", err)
	}
	fmt.Println("Pruned connection metrics and events")
}
