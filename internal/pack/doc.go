// Package pack coordinates the two request flows of the proxy.
//
// Uploader stages an incoming archive, addresses it by SHA-1, places it in the
// content-addressed cache and replicates it to the remote bucket in the
// background. Fetcher serves packs by hash and the shared mod folder bundle,
// downloading from the remote bucket on a cache miss.
//
// Errors returned to callers are *Error values whose Kind maps onto the
// HTTP status the request layer should answer with.
package pack
