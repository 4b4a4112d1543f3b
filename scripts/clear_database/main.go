package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/database"
)

func main() {
	fmt.Println("Clearing database...")

	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Connect to MongoDB
	db, err := database.NewMongoDB(&cfg.MongoDB)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer db.Close(ctx)

	if err := db.DropCollections(ctx); err != nil {
		log.Fatal("Failed to drop collections:", err)
	}
	fmt.Printf("Dropped collections: %v\n", database.Collections)

	// Recreate indexes so the streamer can start against a clean database
	if err := db.CreateIndexes(ctx); err != nil {
		log.Fatal("Failed to create indexes:", err)
	}

	fmt.Println("Database cleared successfully!")
}
