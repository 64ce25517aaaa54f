package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/fetcher"
	"github.com/sells-group/tddf-cli/internal/store"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// initStore opens the configured store backend and creates its schema.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "tddf.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// loadCatalog returns the configured catalog, or the built-in one.
func loadCatalog(c *config.Config) (*catalog.Catalog, error) {
	if c.Catalog.Path == "" {
		return catalog.Default()
	}
	return catalog.Load(c.Catalog.Path)
}

// newProcessor builds the decode pipeline from config.
func newProcessor(c *config.Config) (*stream.Processor, error) {
	cat, err := loadCatalog(c)
	if err != nil {
		return nil, err
	}
	return stream.NewProcessor(cat, c.Input.MaxLineBytes)
}

// newFetcher builds the input fetcher from config.
func newFetcher(c *config.Config) (*fetcher.Fetcher, error) {
	return fetcher.New(fetcher.Options{
		UserAgent:  c.Fetch.UserAgent,
		Timeout:    time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxRetries: c.Fetch.MaxRetries,
		RatePerSec: c.Fetch.RatePerSec,
		TempDir:    c.Ingest.TempDir,
		Charset:    c.Input.Charset,
	})
}
