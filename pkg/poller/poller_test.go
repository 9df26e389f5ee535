package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/repository"
)

// scriptedRepo serves a sequence of snapshots, one per UpdateTimes call.
type scriptedRepo struct {
	mu        sync.Mutex
	snapshots []map[module.ID]int64
	pos       int
	fetched   [][]module.ID
}

func (r *scriptedRepo) ID() string { return "scripted" }

func (r *scriptedRepo) current() map[module.ID]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshots[r.pos]
	if r.pos < len(r.snapshots)-1 {
		r.pos++
	}
	return snap
}

func (r *scriptedRepo) Insert(ctx context.Context, a archive.Archive) error { return nil }
func (r *scriptedRepo) InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}
func (r *scriptedRepo) PutDeploySpecs(ctx context.Context, id module.ID, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}
func (r *scriptedRepo) Delete(ctx context.Context, id module.ID) error { return nil }

func (r *scriptedRepo) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	r.mu.Lock()
	r.fetched = append(r.fetched, ids)
	r.mu.Unlock()
	out := make([]archive.Archive, 0, len(ids))
	for _, id := range ids {
		spec := module.NewSpec(id)
		a, err := archive.NewMemArchive(spec, map[string][]byte{"a.js": []byte("x")}, time.Unix(1, 0))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *scriptedRepo) DefaultView() repository.View { return &scriptedView{repo: r} }

func (r *scriptedRepo) View(name string) (repository.View, error) {
	if name == repository.DefaultViewName {
		return r.DefaultView(), nil
	}
	return nil, repository.ErrUnsupportedView
}

type scriptedView struct {
	repo *scriptedRepo
}

func (v *scriptedView) Name() string { return repository.DefaultViewName }
func (v *scriptedView) UpdateTimes(ctx context.Context) (map[module.ID]int64, error) {
	return v.repo.current(), nil
}
func (v *scriptedView) Summary(ctx context.Context) (repository.RepositorySummary, error) {
	return repository.RepositorySummary{}, nil
}
func (v *scriptedView) ArchiveSummaries(ctx context.Context) ([]repository.ArchiveSummary, error) {
	return nil, nil
}

type collectingConsumer struct {
	mu     sync.Mutex
	deltas []Delta
}

func (c *collectingConsumer) HandleDelta(ctx context.Context, repo repository.ArchiveRepository, delta Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, delta)
	return nil
}

func ids(list ...string) map[module.ID]bool {
	out := make(map[module.ID]bool, len(list))
	for _, s := range list {
		id, _ := module.ParseID(s)
		out[id] = true
	}
	return out
}

func keysOf[V any](m map[module.ID]V) map[module.ID]bool {
	out := make(map[module.ID]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func TestDeltaSequence(t *testing.T) {
	m1 := module.NewID("m1", "")
	m2 := module.NewID("m2", "")

	repo := &scriptedRepo{snapshots: []map[module.ID]int64{
		{m1: 1000},
		{m1: 1000, m2: 2000},
		{m1: 1001, m2: 2000},
		{m2: 2000},
	}}
	consumer := &collectingConsumer{}
	p, err := New(Config{Consumer: consumer})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.AddRepository(ctx, Registration{
		Repository:         repo,
		Interval:           time.Hour,
		WaitForInitialPoll: true,
	}))

	// tick 1 consumed by the initial poll: m1 added
	require.Len(t, consumer.deltas, 1)
	assert.Equal(t, ids("m1"), keysOf(consumer.deltas[0].Added))

	// tick 2: m2 added
	require.NoError(t, p.Poll(ctx, "scripted"))
	require.Len(t, consumer.deltas, 2)
	assert.Equal(t, ids("m2"), keysOf(consumer.deltas[1].Added))
	assert.Empty(t, consumer.deltas[1].Modified)
	assert.Empty(t, consumer.deltas[1].Removed)

	// tick 3: m1 modified
	require.NoError(t, p.Poll(ctx, "scripted"))
	require.Len(t, consumer.deltas, 3)
	assert.Equal(t, ids("m1"), keysOf(consumer.deltas[2].Modified))
	assert.Empty(t, consumer.deltas[2].Added)

	// tick 4: m1 removed
	require.NoError(t, p.Poll(ctx, "scripted"))
	require.Len(t, consumer.deltas, 4)
	assert.Equal(t, ids("m1"), keysOf(consumer.deltas[3].Removed))

	// tick 5 repeats the final snapshot: no delta, no consumer call
	require.NoError(t, p.Poll(ctx, "scripted"))
	assert.Len(t, consumer.deltas, 4, "same-timestamp re-poll must be a no-op")
}

func TestPollFetchesAddedAndModified(t *testing.T) {
	m1 := module.NewID("m1", "")

	repo := &scriptedRepo{snapshots: []map[module.ID]int64{
		{m1: 1000},
	}}
	consumer := &collectingConsumer{}
	p, err := New(Config{Consumer: consumer})
	require.NoError(t, err)

	require.NoError(t, p.AddRepository(context.Background(), Registration{
		Repository:         repo,
		Interval:           time.Hour,
		WaitForInitialPoll: true,
	}))

	require.Len(t, repo.fetched, 1)
	assert.Equal(t, []module.ID{m1}, repo.fetched[0])
	require.Len(t, consumer.deltas, 1)
	require.Len(t, consumer.deltas[0].Archives, 1)
	assert.Equal(t, m1, consumer.deltas[0].Archives[0].Spec().ID)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	repo := &scriptedRepo{snapshots: []map[module.ID]int64{{}}}
	p, err := New(Config{Consumer: &collectingConsumer{}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.AddRepository(ctx, Registration{Repository: repo, Interval: time.Hour}))
	assert.Error(t, p.AddRepository(ctx, Registration{Repository: repo, Interval: time.Hour}))
}

func TestScheduledPolling(t *testing.T) {
	m1 := module.NewID("m1", "")
	repo := &scriptedRepo{snapshots: []map[module.ID]int64{
		{m1: 1000},
	}}
	consumer := &collectingConsumer{}
	p, err := New(Config{Consumer: consumer})
	require.NoError(t, err)

	require.NoError(t, p.AddRepository(context.Background(), Registration{
		Repository: repo,
		Interval:   time.Second,
	}))
	p.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	}()

	require.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return len(consumer.deltas) >= 1
	}, 5*time.Second, 50*time.Millisecond, "scheduled poll should fire")
}

func TestComputeDelta(t *testing.T) {
	a := module.NewID("a", "")
	b := module.NewID("b", "")
	c := module.NewID("c", "")

	last := map[module.ID]int64{a: 1, b: 5}
	current := map[module.ID]int64{a: 2, c: 7}

	delta := computeDelta(last, current)
	assert.Equal(t, ids("a"), keysOf(delta.Modified))
	assert.Equal(t, ids("c"), keysOf(delta.Added))
	assert.Equal(t, ids("b"), keysOf(delta.Removed))

	// timestamps that do not advance are not modifications
	same := computeDelta(map[module.ID]int64{a: 2}, map[module.ID]int64{a: 2})
	assert.True(t, same.Empty())

	// an older timestamp is not a modification either
	older := computeDelta(map[module.ID]int64{a: 5}, map[module.ID]int64{a: 3})
	assert.True(t, older.Empty())
}
