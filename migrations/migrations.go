// Package migrations embeds the SQL schema so the binary can migrate a
// database without the source tree.
package migrations

import "embed"

// FS holds the *.up.sql files, applied in lexical order.
//
//go:embed *.up.sql
var FS embed.FS
