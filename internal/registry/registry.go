package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"verity/internal/backbone"
	"verity/internal/config"
	"verity/internal/logging"
	"verity/internal/services"
)

// Registry owns the loaded backbones, enforcing sequential loads and the
// configured memory ceiling. Loaded backbones stay resident between jobs
// until eviction is needed to admit another model.
type Registry struct {
	cfg    *config.Config
	loader backbone.Loader
	logger *slog.Logger

	descriptors map[string]backbone.Descriptor

	// loadMu serializes model loads so two large checkpoints never
	// deserialize at once.
	loadMu sync.Mutex

	mu           sync.Mutex
	entries      map[string]*entry
	usedBytes    int64
	ceilingBytes int64
	closed       bool
}

type entry struct {
	scorer   backbone.Scorer
	refs     int
	lastUsed time.Time
}

// Status describes one backbone for the daemon status surface.
type Status struct {
	Name          string `json:"name"`
	Loaded        bool   `json:"loaded"`
	Refs          int    `json:"refs"`
	ResidentBytes int64  `json:"resident_bytes"`
	Resident      string `json:"resident"`
}

// New builds a registry over the configured backbones. The loader defaults
// to the scorer subprocess launcher.
func New(cfg *config.Config, loader backbone.Loader, logger *slog.Logger) *Registry {
	if loader == nil {
		loader = backbone.Load
	}
	descriptors := make(map[string]backbone.Descriptor, len(cfg.Models.Backbones))
	for _, desc := range backbone.Descriptors(cfg) {
		descriptors[desc.Name] = desc
	}

	ceiling := int64(cfg.Models.MemoryCeilingMB) * 1024 * 1024
	reg := &Registry{
		cfg:          cfg,
		loader:       loader,
		logger:       logging.NewComponentLogger(logger, "registry"),
		descriptors:  descriptors,
		entries:      make(map[string]*entry),
		ceilingBytes: ceiling,
	}
	if total := systemMemoryBytes(); total > 0 && ceiling > total {
		reg.logger.Warn("memory ceiling exceeds system memory, clamping",
			logging.String("ceiling", humanize.IBytes(uint64(ceiling))),
			logging.String("system", humanize.IBytes(uint64(total))))
		reg.ceilingBytes = total
	}
	return reg
}

// Names returns the configured backbone names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.cfg.Models.Backbones))
	for _, entry := range r.cfg.Models.Backbones {
		names = append(names, entry.Name)
	}
	return names
}

// Acquire returns a lease on a loaded backbone, loading it first if needed.
// Loads are sequential across the registry; retryable failures are retried
// with backoff per the configured policy.
func (r *Registry) Acquire(ctx context.Context, name string) (*Lease, error) {
	desc, known := r.descriptors[name]
	if !known {
		return nil, services.Wrap(services.ErrConfiguration, "loading", name, "unknown backbone", nil)
	}

	if lease := r.tryLease(name); lease != nil {
		return lease, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	// Another job may have finished the load while this one waited.
	if lease := r.tryLease(name); lease != nil {
		return lease, nil
	}

	if err := r.ensureCapacity(desc.ResidentBytesHint()); err != nil {
		return nil, err
	}

	scorer, err := r.loadWithRetry(ctx, desc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = scorer.Close()
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", name, "registry closed", nil)
	}
	r.entries[name] = &entry{scorer: scorer, refs: 1, lastUsed: time.Now()}
	r.usedBytes += scorer.ResidentBytes()
	used := r.usedBytes
	r.mu.Unlock()

	r.logger.Info("backbone loaded",
		logging.String(logging.FieldBackbone, name),
		logging.String("resident", humanize.IBytes(uint64(scorer.ResidentBytes()))),
		logging.String("in_use", humanize.IBytes(uint64(used))))
	return &Lease{registry: r, name: name, scorer: scorer}, nil
}

func (r *Registry) tryLease(name string) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, loaded := r.entries[name]
	if !loaded {
		return nil
	}
	ent.refs++
	ent.lastUsed = time.Now()
	return &Lease{registry: r, name: name, scorer: ent.scorer}
}

func (r *Registry) loadWithRetry(ctx context.Context, desc backbone.Descriptor) (backbone.Scorer, error) {
	backoff := time.Duration(r.cfg.Models.LoadBackoffMillis) * time.Millisecond
	attempts := r.cfg.Models.LoadRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		scorer, err := r.loader(ctx, desc)
		if err == nil {
			return scorer, nil
		}
		lastErr = err
		if !services.IsRetryable(err) || attempt == attempts {
			break
		}
		r.logger.Warn("backbone load failed, retrying",
			logging.String(logging.FieldBackbone, desc.Name),
			logging.Int("attempt", attempt),
			logging.Error(err))
		select {
		case <-ctx.Done():
			return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name, "canceled", ctx.Err())
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// ensureCapacity evicts idle backbones, least recently used first, until the
// requested size fits under the ceiling.
func (r *Registry) ensureCapacity(needed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if needed > r.ceilingBytes {
		return services.Wrap(services.ErrConfiguration, "loading", "",
			fmt.Sprintf("model needs %s but ceiling is %s",
				humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(r.ceilingBytes))), nil)
	}

	for r.usedBytes+needed > r.ceilingBytes {
		victim := r.idleLRULocked()
		if victim == "" {
			return services.Wrap(services.ErrBackboneLoad, "loading", "",
				fmt.Sprintf("cannot admit %s under %s ceiling, all loaded models are in use",
					humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(r.ceilingBytes))), nil)
		}
		r.evictLocked(victim)
	}
	return nil
}

func (r *Registry) idleLRULocked() string {
	victim := ""
	var oldest time.Time
	for name, ent := range r.entries {
		if ent.refs > 0 {
			continue
		}
		if victim == "" || ent.lastUsed.Before(oldest) {
			victim = name
			oldest = ent.lastUsed
		}
	}
	return victim
}

func (r *Registry) evictLocked(name string) {
	ent := r.entries[name]
	delete(r.entries, name)
	r.usedBytes -= ent.scorer.ResidentBytes()
	if err := ent.scorer.Close(); err != nil {
		r.logger.Warn("backbone shutdown error",
			logging.String(logging.FieldBackbone, name), logging.Error(err))
	}
	r.logger.Info("backbone evicted",
		logging.String(logging.FieldBackbone, name),
		logging.String("in_use", humanize.IBytes(uint64(r.usedBytes))))
}

// ListReady returns the names of currently loaded backbones, sorted.
func (r *Registry) ListReady() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UsedBytes returns the total resident size of loaded backbones.
func (r *Registry) UsedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedBytes
}

// Statuses reports every configured backbone for the status surface.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.cfg.Models.Backbones))
	for _, cfgEntry := range r.cfg.Models.Backbones {
		status := Status{Name: cfgEntry.Name}
		if ent, loaded := r.entries[cfgEntry.Name]; loaded {
			status.Loaded = true
			status.Refs = ent.refs
			status.ResidentBytes = ent.scorer.ResidentBytes()
			status.Resident = humanize.IBytes(uint64(status.ResidentBytes))
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Close evicts every loaded backbone and rejects further loads.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for name := range r.entries {
		r.evictLocked(name)
	}
}

func (r *Registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, loaded := r.entries[name]
	if !loaded {
		return
	}
	if ent.refs > 0 {
		ent.refs--
	}
	ent.lastUsed = time.Now()
}

// Lease is a ref-counted handle on a loaded backbone. The backbone cannot be
// evicted while any lease on it is outstanding.
type Lease struct {
	registry *Registry
	name     string
	scorer   backbone.Scorer
	once     sync.Once
}

// Scorer returns the leased backbone.
func (l *Lease) Scorer() backbone.Scorer {
	return l.scorer
}

// Name returns the leased backbone's name.
func (l *Lease) Name() string {
	return l.name
}

// Release returns the lease; safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.registry.release(l.name) })
}
