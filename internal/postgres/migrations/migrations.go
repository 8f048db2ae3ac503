// Package migrations embeds the SQL schema files applied by
// "collectord migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_tasks.sql",
	"002_create_metrics.sql",
	"003_create_accounts.sql",
}
