// Package migrations embeds the call log schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
