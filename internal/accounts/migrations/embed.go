// Package migrations embeds the account-store SQL migrations for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
