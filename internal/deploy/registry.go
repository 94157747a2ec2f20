package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/parleyvoice/parley/internal/agent"
)

// ErrInvalidBundle marks a deploy rejected for a client-side reason: a bad
// slug, missing secrets, or worker source that fails to register an agent.
// HTTP handlers map it to a 400.
var ErrInvalidBundle = errors.New("deploy: invalid bundle")

// ErrUnknownSlug is returned when no slot exists for a requested slug.
var ErrUnknownSlug = errors.New("deploy: unknown slug")

var deploySlugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Worker is a hot-loaded agent ready to serve sessions: the extracted
// definition plus the env its sessions run with.
type Worker struct {
	Slug  string
	Agent *agent.Definition
	Env   map[string]string
}

// slot is one exposed slug. The worker is built lazily so a bundle whose
// worker source fails extraction is retried on the next request instead of
// poisoning the slot.
type slot struct {
	env          map[string]string
	clientSource string
	worker       *Worker
}

// Registry is the process-wide deploy state: the on-disk bundle store, the
// durable index, and the slug → worker map. The map lock is held only for
// lookup and insert; worker extraction runs outside it.
type Registry struct {
	bundles *BundleDir
	index   Index
	log     *slog.Logger

	// requiredSecrets is the closed set of env keys every bundle must carry.
	requiredSecrets []string

	mu    sync.Mutex
	slots map[string]*slot
}

// RegistryOption is a functional option for Registry.
type RegistryOption func(*Registry)

// WithRequiredSecrets sets the env keys a bundle must provide to deploy.
func WithRequiredSecrets(keys []string) RegistryOption {
	return func(r *Registry) { r.requiredSecrets = keys }
}

// WithLogger sets the registry logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates a registry over the given bundle store and index.
// Call LoadSlots before serving traffic.
func NewRegistry(bundles *BundleDir, index Index, opts ...RegistryOption) *Registry {
	r := &Registry{
		bundles: bundles,
		index:   index,
		log:     slog.Default(),
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deploy validates and installs a bundle: worker extraction proves the
// source registers a valid agent, then the files land on disk, the index is
// upserted, and the slot is swapped in.
func (r *Registry) Deploy(ctx context.Context, b Bundle) error {
	if !deploySlugPattern.MatchString(b.Slug) {
		return fmt.Errorf("%w: slug %q must be lowercase alphanumeric with hyphens", ErrInvalidBundle, b.Slug)
	}
	if missing := r.missingSecrets(b.Env); len(missing) > 0 {
		return fmt.Errorf("%w: env is missing required keys %v", ErrInvalidBundle, missing)
	}

	worker, err := buildWorker(b.Slug, b.WorkerSource, b.Env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	if err := r.bundles.Write(b); err != nil {
		return err
	}
	if err := r.index.Upsert(ctx, Record{Slug: b.Slug, Env: b.Env}); err != nil {
		return err
	}

	r.mu.Lock()
	r.slots[b.Slug] = &slot{env: b.Env, clientSource: b.ClientSource, worker: worker}
	r.mu.Unlock()

	r.log.Info("bundle deployed", slog.String("slug", b.Slug),
		slog.Int("tools", len(worker.Agent.Tools)))
	return nil
}

// LoadSlots reconciles disk and index on process start. Disk is the source
// of truth for bundle content: valid on-disk bundles are exposed and
// backfilled into the index when absent there; index entries with no disk
// bundle are skipped; corrupted bundles are skipped with a warning.
func (r *Registry) LoadSlots(ctx context.Context) error {
	diskSlugs, err := r.bundles.List()
	if err != nil {
		return err
	}

	indexed := make(map[string]bool)
	records, err := r.index.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		indexed[rec.Slug] = true
	}

	loaded := make(map[string]*slot, len(diskSlugs))
	for _, slug := range diskSlugs {
		b, err := r.bundles.Read(slug)
		if err != nil {
			r.log.Warn("skipping corrupted bundle", slog.String("slug", slug), slog.Any("error", err))
			continue
		}
		if missing := r.missingSecrets(b.Env); len(missing) > 0 {
			r.log.Warn("skipping bundle with incomplete env",
				slog.String("slug", slug), slog.Any("missing", missing))
			continue
		}

		loaded[slug] = &slot{env: b.Env, clientSource: b.ClientSource}

		if !indexed[slug] {
			if err := r.index.Upsert(ctx, Record{Slug: slug, Env: b.Env}); err != nil {
				r.log.Warn("index backfill failed", slog.String("slug", slug), slog.Any("error", err))
				continue
			}
			r.log.Info("index backfilled from disk", slog.String("slug", slug))
		}
	}

	for _, rec := range records {
		if _, ok := loaded[rec.Slug]; !ok {
			r.log.Warn("indexed bundle missing on disk", slog.String("slug", rec.Slug))
		}
	}

	r.mu.Lock()
	r.slots = loaded
	r.mu.Unlock()

	r.log.Info("slots loaded", slog.Int("count", len(loaded)))
	return nil
}

// Install exposes a pre-built worker without a deploy step: no disk write,
// no index entry. Used for the config-pinned agent in single-agent mode.
// Call after LoadSlots, which replaces the slot map wholesale.
func (r *Registry) Install(w *Worker, clientSource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[w.Slug] = &slot{
		env:          w.Env,
		clientSource: clientSource,
		worker:       w,
	}
}

// Resolve returns the worker for slug, building it from the on-disk bundle
// on first use. A failed build is logged and retried on the next request.
func (r *Registry) Resolve(slug string) (*Worker, error) {
	r.mu.Lock()
	s, ok := r.slots[slug]
	if ok && s.worker != nil {
		w := s.worker
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlug, slug)
	}

	b, err := r.bundles.Read(slug)
	if err != nil {
		return nil, err
	}
	worker, err := buildWorker(slug, b.WorkerSource, s.env)
	if err != nil {
		r.log.Error("worker build failed", slog.String("slug", slug), slog.Any("error", err))
		return nil, err
	}

	r.mu.Lock()
	if cur, ok := r.slots[slug]; ok {
		cur.worker = worker
	}
	r.mu.Unlock()

	r.log.Info("worker started", slog.String("slug", slug))
	return worker, nil
}

// ClientSource returns the deployed browser client for slug.
func (r *Registry) ClientSource(slug string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slug]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlug, slug)
	}
	return s.clientSource, nil
}

// Slugs returns the exposed slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.slots))
	for slug := range r.slots {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) missingSecrets(env map[string]string) []string {
	var missing []string
	for _, key := range r.requiredSecrets {
		if env[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// buildWorker extracts the agent from worker source. FromWorkerSource
// validates the resulting definition.
func buildWorker(slug, source string, env map[string]string) (*Worker, error) {
	def, err := agent.FromWorkerSource(slug, source)
	if err != nil {
		return nil, err
	}
	return &Worker{Slug: slug, Agent: def, Env: env}, nil
}
