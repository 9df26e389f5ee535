// Package script compiles ECMAScript archive entries into module symbols
// using the goja runtime. Each module gets one VM; exported members become
// namespace symbols, and the in-VM require() resolves through the module
// namespace at call time, so relinked dependencies are observed without
// recompilation.
package script
