// Package protodesc compiles protobuf schema entries into file-descriptor
// symbols. Imports that are not satisfied by the archive itself are resolved
// through the module namespace, so schema modules can build on descriptors
// exported by their dependencies.
package protodesc
