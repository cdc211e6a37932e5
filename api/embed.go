// Package api embeds the JSON-RPC method catalog for serving at runtime.
package api

import _ "embed"

// MethodsCatalog is the raw JSON-RPC method catalog served at GET /rpc/methods.
//
//go:embed methods.json
var MethodsCatalog []byte
