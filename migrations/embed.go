// Package migrations embeds the versioned SQL scripts applied by
// "allocstats migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
