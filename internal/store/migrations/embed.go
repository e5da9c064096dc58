package migrations

import "embed"

// FS holds the SQL migrations applied to chatsync.db.
//
//go:embed *.sql
var FS embed.FS
