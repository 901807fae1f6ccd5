// Package registry holds the authoritative state of every known task: the
// bounded FIFO admission queue, the single processing slot, and terminal
// records with their result descriptors.
package registry
