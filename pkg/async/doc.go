// Package async provides goroutine hygiene helpers: panic-safe background
// execution with timeouts and a bounded worker pool for batch work.
package async
