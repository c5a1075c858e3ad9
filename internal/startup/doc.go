// Package startup handles environment-driven configuration and the
// startup banner. LoadConfig reads all settings, logs the effective
// configuration, and validates that the data directories exist and
// are writable before the rest of the service comes up.
package startup
