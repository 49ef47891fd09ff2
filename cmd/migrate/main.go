package main

// Run database migrations:
//   go run ./cmd/migrate
//   go run ./cmd/migrate -list

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"powerquality-backend/internal/shared/config"
	"powerquality-backend/internal/shared/storage/db"
)

func main() {
	list := flag.Bool("list", false, "print embedded migrations and exit")
	flag.Parse()

	if *list {
		names, err := db.MigrationNames()
		if err != nil {
			log.Fatalf("list migrations: %v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	cfg := config.Load()
	ctx := context.Background()

	sqlDB, err := db.Open(ctx, cfg.DatabaseURL, db.ProfileMigrate)
	if err != nil {
		log.Printf("failed to connect database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		log.Printf("failed to run migrations: %v", err)
		os.Exit(1)
	}
}
