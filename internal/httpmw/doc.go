// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver.NewHandler composes them outermost first: recover, security
// headers, request ID, client key, max body, OTEL tracing, trace response
// headers, policy headers, metrics, request logger and access log, then the
// chi router. Per-route rate limiting sits on the routes themselves.
//
// The client key resolved by ClientIP is what rate limits are counted
// against. Query strings, headers other than the forwarding pair, and
// request bodies are never logged.
package httpmw
