package migrations

import "embed"

// FS holds the SQL migrations applied by golang-migrate through iofs.
//
//go:embed *.sql
var FS embed.FS

const Version = 1
