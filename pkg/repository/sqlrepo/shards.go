package sqlrepo

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hotload/pkg/module"
)

// maxConcurrentShardScans bounds the async shard queries in flight for one
// poll.
const maxConcurrentShardScans = 4

// scanShards runs one update-time query per shard, in the given order, with
// bounded concurrency. Results are merged as each shard completes; no total
// ordering across shards is required.
func scanShards(ctx context.Context, r *Repository, shards []int) (map[module.ID]int64, error) {
	times := make(map[module.ID]int64)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentShardScans)
	for _, shard := range shards {
		g.Go(func() error {
			partial, err := scanShard(ctx, r, shard)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, t := range partial {
				times[id] = t
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}

func scanShard(ctx context.Context, r *Repository, shard int) (map[module.ID]int64, error) {
	query := fmt.Sprintf("SELECT module_id, last_update FROM %s WHERE shard_num = ?", r.cfg.TableName)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), shard)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("scan shard %d", shard), err)
	}
	defer rows.Close()

	partial := make(map[module.ID]int64)
	for rows.Next() {
		var (
			rawID      string
			lastUpdate int64
		)
		if err := rows.Scan(&rawID, &lastUpdate); err != nil {
			return nil, wrapErr(fmt.Sprintf("scan shard %d", shard), err)
		}
		id, err := module.ParseID(rawID)
		if err != nil {
			continue
		}
		partial[id] = lastUpdate
	}
	return partial, rows.Err()
}
