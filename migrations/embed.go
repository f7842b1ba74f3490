// Package migrations carries the schema of the exchange engine. The files
// are applied in version order by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
