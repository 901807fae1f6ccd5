// Package transcriber supervises the external Whisper command-line program,
// streaming its progress output and collecting the subtitle artifact.
package transcriber
