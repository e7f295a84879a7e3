// Package migrations embeds the order-store schema applied by goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
