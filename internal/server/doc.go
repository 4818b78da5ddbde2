// Package server hosts the Fiber HTTP service in front of the origin: the
// middleware chain (recover, request id, client id, metrics), the shared
// upstream http.Client and the hop-by-hop header rules used by the proxy.
// Diagnostics live under /-/ and are registered by the routes subpackage.
package server
