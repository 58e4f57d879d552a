// migrate applies or rolls back the embedded schema migrations.
// Usage: go run ./cmd/migrate [-direction up|down]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"firmhub/security-core/internal/config"
	"firmhub/security-core/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fail("DATABASE_URL is not set")
	}

	switch err := migrate.Run(cfg.DatabaseURL, *direction); {
	case err == nil:
		fmt.Printf("migrations applied (%s)\n", *direction)
	case errors.Is(err, migrate.ErrNoChange):
		fmt.Println("schema already up to date")
	default:
		fail("migrate: %v", err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
