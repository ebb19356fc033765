// Package cache implements the content-addressed disk cache that sits between
// clients and the remote bucket. Every entry lives at <dir>/<key>.zip where the
// key is either the SHA-1 of the pack bytes or a fixed logical name (the mod
// folder bundle). Writes are all-or-nothing (temp file + rename) so a visible
// entry is always a complete copy, and reads never refresh timestamps: the
// file ModTime is the time of caching and drives age-based eviction.
// The store is built on afero so production code runs on the OS filesystem
// while tests can use an in-memory one.
package cache
