// Package migrations embeds the SQL schema so binaries and tests don't
// depend on the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
