// Package loader maintains the live graph of revisioned modules: it
// compiles archives through pluggable compilers into isolated namespaces,
// commits fully linked revisions atomically, relinks dependents when their
// dependencies are upgraded, and notifies listeners in commit order.
//
// The loader is single-writer: UpdateArchives and RemoveModule serialize on
// an exclusive lock, while readers work against immutable revision-table
// snapshots and are never blocked.
package loader
