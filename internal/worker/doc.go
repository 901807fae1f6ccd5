// Package worker runs the single-consumer transcription loop and the
// retention sweeper.
package worker
