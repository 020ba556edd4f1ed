// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

const dir = "sql"

// goose keeps its dialect and base FS in package state.
var gooseMu sync.Mutex

// Manager executes the embedded migrations against one database.
type Manager struct {
	db *sql.DB
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error {
		return goose.UpContext(ctx, m.db, dir)
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error {
		return goose.DownContext(ctx, m.db, dir)
	})
}

// Status logs the state of every migration through goose's logger.
func (m *Manager) Status(ctx context.Context) error {
	return m.run(func() error {
		return goose.StatusContext(ctx, m.db, dir)
	})
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var v int64
	err := m.run(func() error {
		var err error
		v, err = goose.GetDBVersionContext(ctx, m.db)
		return err
	})
	return v, err
}

func (m *Manager) run(fn func() error) error {
	if m.db == nil {
		return errors.New("migrate: database handle is nil")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Files lists the embedded migration files in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(migrations, dir+"/*.sql")
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = strings.TrimPrefix(n, dir+"/")
	}
	sort.Strings(names)
	return names, nil
}
