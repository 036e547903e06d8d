// migrations/migrations.go
package migrations

import "embed"

// FS holds the versioned schema migrations for each storage backend, under
// "postgres" and "sqlite".
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
