// Package namespace provides per-module symbol and resource scoping. Each
// namespace resolves names against its local symbol table first, then its
// dependency bindings in declaration order, then a parent chain rooted at a
// platform namespace. Visibility across modules is controlled by dotted
// package filters on both the importing and the exporting side.
package namespace
