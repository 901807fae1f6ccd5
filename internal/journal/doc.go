// Package journal persists task history to SQLite so completed and failed
// runs remain inspectable across server restarts.
package journal
