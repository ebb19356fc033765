// Package server builds the Fiber application shared by every route: panic
// recovery, request IDs, the access log, API key checks and the mapping from
// pack errors to JSON error responses. Handlers live in the routes
// subpackage and only receive explicit dependencies.
package server
