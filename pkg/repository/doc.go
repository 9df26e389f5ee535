// Package repository defines the persistence gateway for archives: a
// uniform interface over durable stores with queryable views, plus shared
// errors and summary types. Concrete repositories live in subpackages
// (pathrepo, jarrepo, sqlrepo, s3repo, cached).
package repository
