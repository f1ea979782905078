// Package query serves the shared state store over a read-only HTTP API.
//
// The query service holds a store.Reader and nothing else, so it cannot
// modify the store. It usually runs as its own process next to the node (see
// "stakenet query"); with the badger backend, which cannot be opened by a
// second process, the node hosts it in-process instead.
//
// Routes, all under /api/v1:
//
//	GET /health
//	GET /metrics
//	GET /keys?prefix=&offset=&limit=
//	GET /keys/*key
//	GET /nested/:k1?recursive=
//	GET /nested/:k1/*k2
//	GET /nmaps
//	GET /nmaps/:name?offset=&limit=
//	GET /nmaps/:name/*key
//	GET /peers?offset=&limit=
//	GET /peers/:peer_id
//
// With auth enabled every request must carry an active API key in the
// X-API-Key header, and requests are rate limited per key owner. Keys are
// kept as SHA256 hashes in their own store and managed with
// "stakenet apikey".
//
// Stored values that are valid JSON are embedded in responses as JSON; other
// values are returned as strings.
package query
