// Package migrations bundles the PostgreSQL schema for the entry store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
