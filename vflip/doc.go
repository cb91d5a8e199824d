// Package vflip fetches and decodes the flips of a session.
//
// A [Fetcher] reconciles the node's flip list with the flips already held,
// fetching content only for flips that still need it.
// Decoded pictures are registered with [Blobs] and referenced by handle.
package vflip
