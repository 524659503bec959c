// Package migrations embeds the schema for each supported database.
package migrations

import "embed"

// Files are applied in lexical order; 001_initial_schema.sql also defines
// the migrations tracking table.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
