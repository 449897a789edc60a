// Package migrations embeds the SQL migration files for the span store
// backends so they work regardless of working directory.
package migrations

import "embed"

// FS holds per-dialect migration directories ("sqlite", "postgres").
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
