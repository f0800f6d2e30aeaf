// Package sqldocs exposes the versioned migration scripts directly from the docs tree.
package sqldocs

import "embed"

// Migrations holds one directory per dialect. Files are named NNNN_name.sql and
// the numeric prefix is the logical schema version shared by every dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var Migrations embed.FS
