package main

import (
	"fmt"

	"github.com/alimk/fieldwatch/pkg/config"
	"github.com/alimk/fieldwatch/pkg/store"
	"github.com/alimk/fieldwatch/pkg/store/postgres"
	"github.com/alimk/fieldwatch/pkg/store/sqlite"
)

// openStore opens the backend named by c.Driver and runs its migration.
func openStore(c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "", "sqlite":
		st, err := sqlite.Open(c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", c.SQLitePath, err)
		}
		return st, nil
	case "postgres":
		opts := postgres.DefaultOptions
		if c.MaxOpenConns > 0 {
			opts.MaxOpenConns = c.MaxOpenConns
		}
		st, err := postgres.OpenWithOptions(c.PostgresDSN, opts)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
