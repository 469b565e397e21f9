package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/database"
)

const validArgsLen = 2

func main() {
	if len(os.Args) < validArgsLen {
		log.Fatal("usage: up | down | steps N | version")
	}

	err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	projectRoot, err := filepath.Abs(migrationsDir)
	if err != nil {
		log.Fatal(err)
	}

	migrator, err := migrate.New("file://"+filepath.ToSlash(projectRoot), database.GetURL())
	if err != nil {
		log.Fatal(err)
	}

	switch os.Args[1] {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Steps(-1)
	case "steps":
		if len(os.Args) < validArgsLen+1 {
			log.Fatal("usage: steps N")
		}

		var steps int

		steps, err = strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal(err)
		}

		err = migrator.Steps(steps)
	case "version":
	default:
		log.Fatal("unknown command")
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal(err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Fatal(err)
	}

	log.Printf("migration complete. version=%d dirty=%v", version, dirty)
}
