// Package bundle packs and unpacks encrypted task archives. A bundle is a
// zip holding metadata.json and audio.ogg, encrypted with AES-256-GCM under
// a key derived from the shared password via salted PBKDF2.
package bundle
