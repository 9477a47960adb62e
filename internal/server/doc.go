// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that maps the Host header to a dictionary isolation key.
// Handlers for the /-/ endpoints live in the routes subpackage and receive the
// resolved SiteRoute from the request locals; keep exports narrow and accept
// explicit dependencies.
package server
