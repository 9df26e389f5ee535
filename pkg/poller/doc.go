// Package poller turns repository view snapshots into add/modify/remove
// deltas and drives a consumer (typically the module loader) on a fixed
// cadence. Each repository registration keeps only the last observed
// snapshot; delta computation is pure set difference.
package poller
