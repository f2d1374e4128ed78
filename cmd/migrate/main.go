package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatehouse.dev/internal/migrate"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/ops/migrations"
)

func main() {
	log := obs.Logger()
	var (
		dsn       = flag.String("dsn", os.Getenv("GATEHOUSE_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Optional directory of SQL seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or GATEHOUSE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations.SQL(), seeds)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
	log.WithField("command", cmd).Info("migrate finished")
}
