// Package migrations holds the schema of the logs table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
