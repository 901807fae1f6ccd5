// Package daemon wires the task registry, artifact store, journal, and
// worker behind the HTTP API, and enforces single-instance execution.
package daemon
