package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

// SnapshotKey is the key the workflow snapshot is stored under.
const SnapshotKey = "academic-illustrator-storage"

// Persister serializes workflow snapshots to a KVStore. It only observes
// the store; mutation logic knows nothing about it.
type Persister struct {
	kv     domain.KVStore
	store  *Store
	key    string
	logger *observability.Logger
	errs   chan error
}

// NewPersister creates a persister for store writing to kv.
func NewPersister(store *Store, kv domain.KVStore, logger *observability.Logger) *Persister {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Persister{
		kv:     kv,
		store:  store,
		key:    SnapshotKey,
		logger: logger.WithComponent("persister"),
		errs:   make(chan error, 8),
	}
}

// Load reads and decodes the stored snapshot. Fields missing from the record
// keep their defaults, and so do fields of the wrong type; the rest of the
// record is kept. Only a record that is not valid JSON counts as absent.
func (p *Persister) Load(ctx context.Context) (domain.WorkflowSnapshot, bool) {
	raw, ok := p.kv.Get(ctx, p.key)
	if !ok || raw == "" {
		return domain.DefaultSnapshot(), false
	}

	snap := domain.DefaultSnapshot()
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			p.logger.Warn().Err(domain.StorageReadError(p.key, err)).Msg("Stored snapshot is unreadable, using defaults")
			return domain.DefaultSnapshot(), false
		}
		p.logger.Warn().Err(domain.StorageReadError(p.key, err)).Str("field", typeErr.Field).
			Msg("Stored snapshot has a field of the wrong type, keeping the rest")
	}
	if snap.History == nil {
		snap.History = []domain.HistoryItem{}
	}
	return snap, true
}

// Hydrate restores the store from the persisted snapshot (once per store).
func (p *Persister) Hydrate(ctx context.Context) bool {
	return p.store.Hydrate(ctx, p.Load)
}

// Save writes snap. Failures are returned to the caller.
func (p *Persister) Save(ctx context.Context, snap domain.WorkflowSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.StorageWriteError(p.key, "encode snapshot", err)
	}
	if err := p.kv.Set(ctx, p.key, string(data)); err != nil {
		return err
	}
	p.logger.Debug().Int("bytes", len(data)).Int("history", len(snap.History)).Msg("Snapshot saved")
	return nil
}

// Flush writes the store's current snapshot synchronously.
func (p *Persister) Flush(ctx context.Context) error {
	return p.Save(ctx, p.store.Snapshot())
}

// Purge removes the persisted snapshot. In-memory state is untouched.
func (p *Persister) Purge(ctx context.Context) error {
	return p.kv.Remove(ctx, p.key)
}

// Errors reports write failures from Run. Failures beyond the buffer are
// logged only.
func (p *Persister) Errors() <-chan error {
	return p.errs
}

// Run saves every snapshot the store publishes until ctx is done. On the
// way out it writes whatever snapshot is still pending and returns that
// write's error.
func (p *Persister) Run(ctx context.Context) error {
	changes := p.store.Changes()
	for {
		select {
		case snap := <-changes:
			if err := p.Save(ctx, snap); err != nil {
				p.report(err)
			}
		case <-ctx.Done():
			select {
			case snap := <-changes:
				return p.Save(context.WithoutCancel(ctx), snap)
			default:
				return nil
			}
		}
	}
}

func (p *Persister) report(err error) {
	p.logger.Error().Err(err).Msg("Failed to persist workflow state")
	select {
	case p.errs <- err:
	default:
	}
}
