// Package migrations embeds the Postgres index schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
