// Package module defines module identity, the module spec that archives
// carry, and the JSON codec used to serialize specs on the wire and inside
// archives.
package module
