// Package store manages the server's on-disk artifacts: inbound bundles,
// per-task scratch directories, and published subtitle results with
// retention sweeping.
package store
