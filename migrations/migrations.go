// Package migrations embeds the SQL schema and applies it with goose
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed *.sql
var files embed.FS

const dir = "."

func configure(log logrus.FieldLogger) error {
	goose.SetBaseFS(files)
	if log != nil {
		goose.SetLogger(log)
	} else {
		goose.SetLogger(goose.NopLogger())
	}
	return goose.SetDialect("postgres")
}

// Apply runs every pending up migration and returns the resulting schema version
func Apply(ctx context.Context, db *sql.DB, log logrus.FieldLogger) (int64, error) {
	if err := configure(log); err != nil {
		return 0, err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return goose.GetDBVersionContext(ctx, db)
}

// Run executes one goose command: up, down, status, version, redo, reset,
// up-to or down-to. version is only read by up-to and down-to.
func Run(ctx context.Context, db *sql.DB, command string, version int64, log logrus.FieldLogger) error {
	if err := configure(log); err != nil {
		return err
	}

	actions := map[string]func() error{
		"up":      func() error { return goose.UpContext(ctx, db, dir) },
		"down":    func() error { return goose.DownContext(ctx, db, dir) },
		"status":  func() error { return goose.StatusContext(ctx, db, dir) },
		"version": func() error { return goose.VersionContext(ctx, db, dir) },
		"redo":    func() error { return goose.RedoContext(ctx, db, dir) },
		"reset":   func() error { return goose.ResetContext(ctx, db, dir) },
		"up-to":   func() error { return goose.UpToContext(ctx, db, dir, version) },
		"down-to": func() error { return goose.DownToContext(ctx, db, dir, version) },
	}
	action, ok := actions[command]
	if !ok {
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return action()
}

// Collect lists the embedded migrations in apply order
func Collect() (goose.Migrations, error) {
	goose.SetBaseFS(files)
	return goose.CollectMigrations(dir, 0, goose.MaxVersion)
}
