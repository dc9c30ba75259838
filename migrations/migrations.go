// Package migrations embeds the SQL migrations applied by "unihealth migrate".
package migrations

import "embed"

// FS holds every NNN_name.sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
