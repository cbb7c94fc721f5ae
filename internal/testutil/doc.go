// Package testutil holds deterministic stand-ins for the clock and run id
// generator used across package tests.
package testutil
