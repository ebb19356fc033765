// Package remote defines the capability the cache core needs from the bucket
// backend: single-request and multipart uploads, verified downloads, file info
// lookups, version listing and version deletion. Concrete drivers live in
// sub-packages (s3gw for the S3-compatible B2 API, memgw for an in-process
// bucket) and translate provider failures into ErrNotFound or *BackendError so
// callers never depend on an SDK error hierarchy.
package remote
