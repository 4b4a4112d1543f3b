package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	appservice "wallet-stream/internal/application/service"
	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"

	"go.uber.org/zap/zapcore"
)

// Opens a single subscription and prints every event for one account,
// along with connection state changes. Useful to check an endpoint by hand.
func main() {
	endpoint := flag.String("endpoint", appservice.EndpointTezos, "endpoint key (tezos or evm)")
	account := flag.String("account", "", "account address to watch")
	asset := flag.String("asset", "", "optional asset filter")
	debug := flag.Bool("debug", false, "log transport frames at debug level")
	flag.Parse()

	if *account == "" {
		log.Fatal("-account is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	appLogger, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	if *debug {
		appLogger.SetLevel(zapcore.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal")
		cancel()
	}()

	factory := appservice.NewConnectionFactory(cfg, appLogger)
	sub, err := factory.Build(*endpoint)
	if err != nil {
		log.Fatalf("Failed to build subscription: %v", err)
	}

	changes := sub.Handle.Watch()
	go func() {
		for change := range changes {
			fmt.Printf("[%s] %s -> %s", change.At.Format("15:04:05"), change.From, change.To)
			if change.Err != nil {
				fmt.Printf(" (%v)", change.Err)
			}
			fmt.Println()
		}
	}()

	count := 0
	dispose := sub.Register(*account, *asset, func(event entity.Event) error {
		count++
		fmt.Printf("#%d %s %s %s\n", count, event.Kind, event.ID, string(event.Payload))
		return nil
	})

	if err := sub.Start(ctx); err != nil {
		log.Fatalf("Failed to connect to %s: %v", *endpoint, err)
	}
	fmt.Printf("Watching %s on %s, press Ctrl+C to stop...\n", *account, *endpoint)

	started := time.Now()
	<-ctx.Done()

	dispose()
	sub.Close(context.Background())

	stats := sub.Metrics()
	fmt.Printf("Duration: %v, events: %d, reconnects: %d\n", time.Since(started).Round(time.Second), stats.EventsDispatched, stats.Reconnects)
}
