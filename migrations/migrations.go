// Package migrations embeds the SQL schema migrations for the orchestrator.
// internal/db applies them in filename order, tracking progress in a
// schema_migrations table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
