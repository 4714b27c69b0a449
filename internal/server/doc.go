// Package server implements the HTTP front end of the webhooklog service.
//
// This package provides:
//   - A single catch-all endpoint that authenticates, normalizes and logs POST bodies
//   - HTTP Basic authentication against a pluggable Verifier
//   - A health endpoint that bypasses authentication and logging
//   - Optional per-IP rate limiting
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/credentials: htpasswd-backed Verifier
//   - internal/normalize: body to log record conversion
//   - internal/logsink: rotating log file behind the RecordWriter interface
package server
