package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"tilestream.dev/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/tilestream.sqlite", "sqlite index path")
	dsn := fs.String("dsn", "", "postgres dsn (overrides -db)")
	sessionID := fs.String("session", "", "session id (ticks)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	ctx := context.Background()
	var (
		r      indexdb.Reader
		closer io.Closer
	)
	if d := strings.TrimSpace(*dsn); d != "" {
		pg, err := indexdb.OpenPostgres(ctx, d, slog.New(slog.NewTextHandler(os.Stderr, nil)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		r, closer = pg, pg
	} else {
		if _, err := os.Stat(*dbPath); err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		sq, err := indexdb.OpenSQLite(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		r, closer = sq, sq
	}
	defer closer.Close()

	if err := queryIndex(ctx, os.Stdout, r, q, *sessionID, *limit); err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		closer.Close()
		os.Exit(1)
	}
}

var errUnknownQuery = errors.New("unknown query")

// queryIndex prints the newest limit rows of q, oldest first.
func queryIndex(ctx context.Context, w io.Writer, r indexdb.Reader, q, sessionID string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	switch q {
	case "sessions":
		rows, err := r.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, row := range tail(rows, limit) {
			if err := printJSON(w, row); err != nil {
				return err
			}
		}
		return nil

	case "ticks":
		if strings.TrimSpace(sessionID) == "" {
			return fmt.Errorf("ticks: missing -session")
		}
		rows, err := r.TickDigests(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, row := range tail(rows, limit) {
			if err := printJSON(w, row); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w %q (want sessions|ticks)", errUnknownQuery, q)
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
