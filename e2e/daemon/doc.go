// Package daemon_e2e contains end-to-end tests for the coven daemon.
//
// These tests verify the daemon works correctly as a complete system,
// testing the actual binary rather than internal packages.
//
// Run with: go test -tags=e2e ./...
package daemon_e2e
