// Package vnode is a client for the JSON-RPC surface of a local validation node.
//
// Only the methods needed to run a validation session are covered:
// the current epoch, the flip hash lists of each session,
// flip content and words, and answer submission.
// Requests are JSON-RPC 2.0 over HTTP, or over a unix socket
// when the node address has the "unix:" scheme.
//
// The vnodetest package serves the same surface from memory,
// for tests and for local development.
package vnode
