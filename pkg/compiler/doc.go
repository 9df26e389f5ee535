// Package compiler defines the plugin contract used to turn archives into
// runtime symbols inside a module namespace. Concrete plugins live in
// subpackages; the loader selects the first compiler whose ShouldCompile
// accepts an archive.
package compiler
