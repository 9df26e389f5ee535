// Package archive models the bundles that modules are built from: a module
// spec plus a set of named entries. Archives are sourced from directories,
// jar/zip files, or built in memory by producers, and are content-addressable
// via a stable SHA-1 hash.
package archive
