package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

// Workspace is an opened foreman workspace: its root directory, parsed
// config and migrated database.
type Workspace struct {
	Root   string
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
}

// OpenWorkspace resolves root, loads foreman.yml (defaults when absent),
// opens the database and applies migrations.
func OpenWorkspace(ctx context.Context, root string) (*Workspace, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(abs)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: abs})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{Root: abs, Config: cfg, DB: conn, Repo: repo.New(conn)}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
