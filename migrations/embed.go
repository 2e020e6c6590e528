// Package migrations embeds the Postgres schema and seed files.
package migrations

import "embed"

// FS holds *.up.sql / *.down.sql at the root and seed files under seeds/.
//
//go:embed *.sql seeds/*.sql
var FS embed.FS
