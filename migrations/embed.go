// Package migrations embeds the Postgres schema for users, projects and module submissions.
package migrations

import "embed"

// Files holds every .sql file in this directory; they are applied in name order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
