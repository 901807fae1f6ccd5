// Package client implements the batch submission pipeline and the HTTP
// client for the murmurd API.
package client
