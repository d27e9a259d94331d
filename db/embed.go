// Package db embeds the PostgreSQL schema migrations applied by
// "server migrate" and by the storage integration tests.
package db

import "embed"

// Migrations holds migrations/*.sql. Files are applied in lexical order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
