// Package sqlrepo is the sharded remote archive repository over a SQL
// store. Rows are hash-partitioned across a fixed shard count so many
// polling clients can scan update times shard by shard without
// hotspotting; archive content is stored as a blob alongside its SHA-1,
// which is verified on every fetch.
package sqlrepo
