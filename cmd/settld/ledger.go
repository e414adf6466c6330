package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// openLedger selects the store backend from the DSN: postgres:// URLs go to
// Postgres, everything else is treated as a SQLite path.
func openLedger(dsn string) (store.Ledger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("a --db DSN is required (DATABASE_URL)")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.OpenPostgres(dsn)
	}
	return store.OpenSQLite(dsn)
}

// loadPolicies registers every policy document JSON found in dir.
func loadPolicies(ctx context.Context, dir string) (*policy.Registry, error) {
	registry := policy.NewRegistry()
	if dir == "" {
		return registry, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var doc policy.PolicyDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if _, err := registry.Register(ctx, &doc); err != nil {
			return nil, fmt.Errorf("register %s: %w", path, err)
		}
	}
	return registry, nil
}
