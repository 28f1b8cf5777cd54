// Command spreadctl shows and edits the buy/sell spreads stored in Redis.
//
// Usage:
//
//	spreadctl [-redis localhost:6379] [-db 0] [-namespace bullion:] [-show]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bullion/config"
	"github.com/vadiminshakov/bullion/internal/services/spread"
	"github.com/vadiminshakov/bullion/internal/setup"
	"github.com/vadiminshakov/bullion/internal/storage/kv"
)

func main() {
	addr := flag.String("redis", "localhost:6379", "redis address")
	db := flag.Int("db", 0, "redis database")
	namespace := flag.String("namespace", "bullion:", "key prefix shared with bulliond")
	show := flag.Bool("show", false, "print the current spreads and exit")
	flag.Parse()

	// REDIS_PASSWORD may live in .env next to the daemon's secrets
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, err := kv.DialRedis(ctx, *addr, os.Getenv(config.EnvRedisPassword), *db, kv.WithNamespace(*namespace))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	spreads := spread.NewStore(store, zap.NewNop())

	if *show {
		cfg, err := spreads.Get(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(setup.RenderSpreads(cfg))
		return
	}

	if err := setup.RunSpreadEditor(ctx, spreads); err != nil {
		log.Fatal(err)
	}
}
