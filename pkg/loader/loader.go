package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/namespace"
	"github.com/platinummonkey/hotload/pkg/observability"
)

// revisionTable is the immutable snapshot published to readers.
type revisionTable map[module.ID]*Module

// Config configures a loader. A process may host any number of independent
// loaders; there is no shared state between them.
type Config struct {
	// AppPackageFilters selects which platform packages every module may
	// see through its parent chain. Empty exposes everything.
	AppPackageFilters []string
	// PlatformSymbols are host-provided values published in the bootstrap
	// namespace at the root of every module's parent chain.
	PlatformSymbols map[string]any
	// Plugins are pre-built compiler plugins, tried in order.
	Plugins []compiler.Plugin
	// PluginSpecs are plugins to construct via their factories, each hosted
	// in its own namespace built from the spec's runtime resources and
	// platform-package filter.
	PluginSpecs []compiler.Spec
	// Listeners to register at construction.
	Listeners []Listener
	// WorkDir hosts per-compile scratch directories. Defaults under the
	// system temp dir.
	WorkDir string

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

type pluginEntry struct {
	plugin compiler.Plugin
	host   *namespace.Namespace
}

// Loader owns the live module graph. All mutation goes through a single
// writer lock; GetModule and Modules read lock-free snapshots.
type Loader struct {
	mu        sync.Mutex
	revisions atomic.Value // revisionTable

	revCounter map[module.ID]int64
	// reverse maps a module to the set of modules that declare it as a
	// dependency.
	reverse map[module.ID]map[module.ID]struct{}

	plugins    []pluginEntry
	platform   *namespace.Namespace
	appFilters []string
	workDir    string

	lmu       sync.Mutex
	listeners []Listener

	log     *logrus.Logger
	metrics *observability.Metrics
}

// New creates a loader, constructing and hosting all configured plugins.
func New(cfg Config) (*Loader, error) {
	l := &Loader{
		revCounter: make(map[module.ID]int64),
		reverse:    make(map[module.ID]map[module.ID]struct{}),
		platform:   namespace.NewPlatform(cfg.PlatformSymbols),
		appFilters: cfg.AppPackageFilters,
		workDir:    cfg.WorkDir,
		listeners:  append([]Listener{}, cfg.Listeners...),
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if l.log == nil {
		l.log = observability.NopLogger()
	}
	if l.workDir == "" {
		l.workDir = filepath.Join(os.TempDir(), "hotload")
	}
	l.revisions.Store(revisionTable{})

	for _, p := range cfg.Plugins {
		host := namespace.New("plugin:"+p.ID(), namespace.WithParent(l.platform, nil))
		l.plugins = append(l.plugins, pluginEntry{plugin: p, host: host})
	}
	for _, spec := range cfg.PluginSpecs {
		if spec.Factory == nil {
			return nil, fmt.Errorf("plugin spec %q has no factory", spec.PluginID)
		}
		opts := []namespace.Option{namespace.WithParent(l.platform, spec.AppImportFilters)}
		for _, res := range spec.RuntimeResources {
			a, err := archive.NewPathArchive(res)
			if err != nil {
				return nil, fmt.Errorf("plugin %q runtime resource: %w", spec.PluginID, err)
			}
			opts = append(opts, namespace.WithResources(a))
		}
		host := namespace.New("plugin:"+spec.PluginID, opts...)
		p, err := spec.Factory(spec, host)
		if err != nil {
			return nil, fmt.Errorf("failed to construct plugin %q: %w", spec.PluginID, err)
		}
		l.plugins = append(l.plugins, pluginEntry{plugin: p, host: host})
	}
	return l, nil
}

// table returns the current immutable revision snapshot.
func (l *Loader) table() revisionTable {
	return l.revisions.Load().(revisionTable)
}

func (l *Loader) publish(next revisionTable) {
	l.revisions.Store(next)
}

// GetModule returns the current revision of a module, or nil. Never blocks
// on writers.
func (l *Loader) GetModule(id module.ID) *Module {
	return l.table()[id]
}

// Modules returns all current revisions sorted by module ID.
func (l *Loader) Modules() []*Module {
	table := l.table()
	out := make([]*Module, 0, len(table))
	for _, m := range table {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// Dependents returns the modules currently declaring id as a dependency.
func (l *Loader) Dependents(id module.ID) []module.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dependentsOf(id)
}

func (l *Loader) dependentsOf(id module.ID) []module.ID {
	out := make([]module.ID, 0, len(l.reverse[id]))
	for dep := range l.reverse[id] {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// AddListener registers a lifecycle listener.
func (l *Loader) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	l.lmu.Lock()
	defer l.lmu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// RemoveListener drops a previously registered listener.
func (l *Loader) RemoveListener(listener Listener) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	for i, existing := range l.listeners {
		if existing == listener {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

type updatePair struct {
	old *Module
	new *Module
}

// UpdateArchives atomically loads a batch of archives.
//
// Archives no fresher than the current revision are skipped. The batch is
// compiled in dependency order; per-archive failures are recorded in the
// report without affecting siblings, while a dependency cycle inside the
// batch or a system-level failure aborts the whole batch with the revision
// table untouched. Successfully compiled archives are committed in
// dependency order, dependents outside the batch are relinked without
// recompilation, and listeners are notified in commit order.
func (l *Loader) UpdateArchives(ctx context.Context, archives []archive.Archive) (*UpdateReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := &UpdateReport{}
	current := l.table()

	fresh := make([]archive.Archive, 0, len(archives))
	for _, a := range archives {
		id := a.Spec().ID
		if cur, ok := current[id]; ok && !cur.createTime.Before(a.CreateTime()) {
			l.log.WithFields(logrus.Fields{"module": id.String()}).Debug("skipping archive, current revision is at least as fresh")
			report.add(id, OutcomeSkippedStale, 0, nil)
			l.metrics.ObserveUpdate(string(OutcomeSkippedStale))
			continue
		}
		fresh = append(fresh, a)
	}

	order, err := sortByDependencies(fresh)
	if err != nil {
		return nil, err
	}

	staged := make(map[module.ID]*Module, len(order))
	for _, a := range order {
		mod, err := l.stage(ctx, a, staged, current, report)
		if err != nil {
			return nil, err
		}
		if mod != nil {
			staged[mod.id] = mod
		}
	}
	if len(staged) == 0 {
		return report, nil
	}

	next := make(revisionTable, len(current)+len(staged))
	for k, v := range current {
		next[k] = v
	}
	committed := make([]updatePair, 0, len(staged))
	for _, a := range order {
		id := a.Spec().ID
		mod, ok := staged[id]
		if !ok {
			continue
		}
		old := current[id]
		l.revCounter[id] = mod.revision
		next[id] = mod
		l.updateReverse(old, mod)
		committed = append(committed, updatePair{old: old, new: mod})
		report.add(id, OutcomeLoaded, mod.revision, nil)
		l.metrics.ObserveUpdate(string(OutcomeLoaded))
	}
	l.publish(next)

	// Rewire dependents that were not part of this batch. Their namespaces
	// swap bindings in place; compiled symbols are retained.
	relinked := make(map[module.ID]struct{})
	for _, p := range committed {
		for _, depID := range l.dependentsOf(p.new.id) {
			if _, inBatch := staged[depID]; inBatch {
				continue
			}
			if _, done := relinked[depID]; done {
				continue
			}
			relinked[depID] = struct{}{}
			dependent := next[depID]
			if dependent == nil {
				continue
			}
			if err := l.relink(dependent, next); err != nil {
				l.log.WithError(err).WithField("module", depID.String()).Warn("failed to relink dependent, previous links preserved")
				report.RelinkFailures = append(report.RelinkFailures, RelinkFailure{Module: depID, Err: err})
				l.metrics.ObserveRelinkFailure()
			}
		}
	}
	l.metrics.SetModulesLive(len(next))

	for _, p := range committed {
		l.notifyUpdated(p.old, p.new)
	}
	return report, nil
}

// stage compiles one archive into a candidate revision. Per-archive
// failures are recorded in the report and return (nil, nil); only
// system-level failures return an error, aborting the batch before any
// commit.
func (l *Loader) stage(ctx context.Context, a archive.Archive, staged map[module.ID]*Module, current revisionTable, report *UpdateReport) (*Module, error) {
	spec := a.Spec()
	id := spec.ID

	bindings, err := l.bindingsFor(spec, staged, current)
	if err != nil {
		report.add(id, OutcomeFailed, 0, err)
		l.metrics.ObserveUpdate(string(OutcomeFailed))
		return nil, nil
	}

	comp, pluginID := l.selectCompiler(a)
	if comp == nil {
		l.log.WithField("module", id.String()).Warn("no compiler plugin accepts archive, skipping")
		report.add(id, OutcomeSkippedNoCompiler, 0, nil)
		l.metrics.ObserveUpdate(string(OutcomeSkippedNoCompiler))
		return nil, nil
	}

	ns := namespace.New(id.String(),
		namespace.WithParent(l.platform, l.appFilters),
		namespace.WithExportFilter(spec.ExportFilters),
		namespace.WithBindings(bindings),
		namespace.WithResources(a),
	)

	workDir := filepath.Join(l.workDir, uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create compile work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	start := time.Now()
	symbols, err := comp.Compile(ctx, a, ns, workDir)
	l.metrics.ObserveCompile(pluginID, time.Since(start))
	if err != nil {
		var cerr *compiler.Error
		if !errors.As(err, &cerr) {
			err = compiler.NewError(pluginID, id, err)
		}
		// the fresh namespace is discarded; any existing revision is untouched
		report.add(id, OutcomeFailed, 0, err)
		l.metrics.ObserveUpdate(string(OutcomeFailed))
		return nil, nil
	}

	return &Module{
		id:         id,
		spec:       spec,
		ns:         ns,
		symbols:    symbols,
		rootURI:    a.RootURI(),
		createTime: a.CreateTime(),
		loadedAt:   time.Now(),
		revision:   l.revCounter[id] + 1,
	}, nil
}

// bindingsFor wires a spec's dependencies against just-staged revisions
// first, then the current table.
func (l *Loader) bindingsFor(spec *module.Spec, staged map[module.ID]*Module, current revisionTable) ([]namespace.Binding, error) {
	importFilter := namespace.NewPackageFilter(spec.ImportFilters)
	bindings := make([]namespace.Binding, 0, len(spec.Dependencies))
	for _, depID := range spec.Dependencies {
		target, ok := staged[depID]
		if !ok {
			target, ok = current[depID]
		}
		if !ok {
			return nil, &UnresolvedDependencyError{Module: spec.ID, Missing: depID}
		}
		bindings = append(bindings, bindingTo(depID, target, importFilter))
	}
	return bindings, nil
}

// bindingTo pins a binding to a specific revision's namespace. The binding
// holds the namespace, never the module; relink replaces bindings wholesale.
func bindingTo(depID module.ID, target *Module, importFilter *namespace.PackageFilter) namespace.Binding {
	ns := target.ns
	return namespace.Binding{
		Module:  depID,
		Resolve: func() *namespace.Namespace { return ns },
		Import:  importFilter,
	}
}

// relink rebuilds a module's dependency bindings against the given table.
// Validation happens before any mutation so a failed relink leaves the
// previous links intact.
func (l *Loader) relink(m *Module, table revisionTable) error {
	importFilter := namespace.NewPackageFilter(m.spec.ImportFilters)
	bindings := make([]namespace.Binding, 0, len(m.spec.Dependencies))
	for _, depID := range m.spec.Dependencies {
		target, ok := table[depID]
		if !ok {
			return &UnresolvedDependencyError{Module: m.id, Missing: depID}
		}
		bindings = append(bindings, bindingTo(depID, target, importFilter))
	}
	m.ns.Relink(bindings)
	return nil
}

// selectCompiler returns the first compiler accepting the archive, in plugin
// registration order.
func (l *Loader) selectCompiler(a archive.Archive) (compiler.Compiler, string) {
	for _, entry := range l.plugins {
		for _, c := range entry.plugin.Compilers() {
			if c.ShouldCompile(a) {
				return c, entry.plugin.ID()
			}
		}
	}
	return nil, ""
}

// updateReverse maintains the reverse-dependency index across a revision
// swap.
func (l *Loader) updateReverse(old, new *Module) {
	if old != nil {
		for _, dep := range old.spec.Dependencies {
			delete(l.reverse[dep], old.id)
		}
	}
	for _, dep := range new.spec.Dependencies {
		set, ok := l.reverse[dep]
		if !ok {
			set = make(map[module.ID]struct{})
			l.reverse[dep] = set
		}
		set[new.id] = struct{}{}
	}
}

// RemoveModule drops a module's current revision. Dependents can no longer
// link against the missing dependency, so they are removed too, cascading
// through the graph. Returns whether the module was present.
func (l *Loader) RemoveModule(id module.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.table()
	if _, ok := current[id]; !ok {
		return false
	}

	next := make(revisionTable, len(current))
	for k, v := range current {
		next[k] = v
	}

	var removed []*Module
	l.removeCascade(id, next, &removed)
	l.publish(next)
	l.metrics.SetModulesLive(len(next))

	for _, m := range removed {
		l.log.WithField("module", m.id.String()).Info("module removed")
		l.metrics.ObserveRemoval()
		l.notifyRemoved(m)
	}
	return true
}

func (l *Loader) removeCascade(id module.ID, next revisionTable, removed *[]*Module) {
	m, ok := next[id]
	if !ok {
		return
	}
	delete(next, id)
	for _, dep := range m.spec.Dependencies {
		delete(l.reverse[dep], id)
	}
	*removed = append(*removed, m)

	for _, dependent := range l.dependentsOf(id) {
		l.removeCascade(dependent, next, removed)
	}
	delete(l.reverse, id)
}

func (l *Loader) snapshotListeners() []Listener {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	return append([]Listener{}, l.listeners...)
}

func (l *Loader) notifyUpdated(old, new *Module) {
	for _, listener := range l.snapshotListeners() {
		l.safeNotify(func() { listener.ModuleUpdated(old, new) })
	}
}

func (l *Loader) notifyRemoved(old *Module) {
	for _, listener := range l.snapshotListeners() {
		l.safeNotify(func() { listener.ModuleRemoved(old) })
	}
}

// safeNotify swallows listener panics; a misbehaving observer must not
// abort a commit.
func (l *Loader) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("module listener panicked")
		}
	}()
	fn()
}
