// Package migrations embeds the note store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
