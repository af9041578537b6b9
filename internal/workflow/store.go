// Package workflow holds the three-stage workflow state, its bounded history
// and the task that persists it.
package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

// Loader returns the last persisted snapshot, ok=false when there is none.
type Loader func(ctx context.Context) (domain.WorkflowSnapshot, bool)

// View is a read-only copy of the whole state, transient fields included.
type View struct {
	domain.WorkflowSnapshot
	Stage           domain.Stage
	GeneratedImage  *string
	ReferenceImages []string
	Hydrated        bool
}

// Store is the workflow state container. Create one per process with
// NewStore and pass it to whatever needs it.
type Store struct {
	mu sync.RWMutex

	logicConfig     domain.ModelConfig
	visionConfig    domain.ModelConfig
	language        domain.Language
	paperContent    string
	generatedSchema string
	history         []domain.HistoryItem

	stage           domain.Stage
	generatedImage  *string
	referenceImages []string

	hydrateOnce sync.Once
	hydrated    atomic.Bool

	// holds at most the latest unsaved snapshot
	changes chan domain.WorkflowSnapshot

	now    func() time.Time
	newID  func() string
	logger *observability.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the history timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the history id source.
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) { s.newID = newID }
}

func WithStoreLogger(logger *observability.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns an un-hydrated store holding the defaults.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		changes: make(chan domain.WorkflowSnapshot, 1),
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  observability.Nop(),
		stage:   domain.StageIntake,
	}
	s.applySnapshot(domain.DefaultSnapshot())
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("workflow")
	return s
}

// Hydrate runs load once for the lifetime of the store and replaces the
// persisted fields with its result, or keeps the defaults when nothing was
// stored. Later calls do nothing. It reports whether a record was restored.
func (s *Store) Hydrate(ctx context.Context, load Loader) bool {
	restored := false
	s.hydrateOnce.Do(func() {
		snap, ok := load(ctx)
		s.mu.Lock()
		if ok {
			s.applySnapshot(snap)
			restored = true
		}
		s.mu.Unlock()
		s.hydrated.Store(true)
		s.logger.Debug().Bool("restored", restored).Msg("Workflow state hydrated")
	})
	return restored
}

// Hydrated reports whether Hydrate has completed. It never goes back to false.
func (s *Store) Hydrated() bool {
	return s.hydrated.Load()
}

// Changes delivers the latest snapshot after every persisted-field mutation.
// Unread snapshots are replaced by newer ones.
func (s *Store) Changes() <-chan domain.WorkflowSnapshot {
	return s.changes
}

func (s *Store) applySnapshot(snap domain.WorkflowSnapshot) {
	s.logicConfig = snap.LogicConfig
	s.visionConfig = snap.VisionConfig
	s.language = snap.Language
	if _, err := domain.ParseLanguage(string(s.language)); err != nil {
		s.language = domain.DefaultLanguage
	}
	s.paperContent = snap.PaperContent
	s.generatedSchema = snap.GeneratedSchema

	history := snap.History
	if len(history) > domain.MaxHistoryItems {
		history = history[:domain.MaxHistoryItems]
	}
	s.history = append([]domain.HistoryItem{}, history...)
}

func (s *Store) snapshotLocked() domain.WorkflowSnapshot {
	history := make([]domain.HistoryItem, len(s.history))
	copy(history, s.history)
	return domain.WorkflowSnapshot{
		LogicConfig:     s.logicConfig,
		VisionConfig:    s.visionConfig,
		Language:        s.language,
		PaperContent:    s.paperContent,
		GeneratedSchema: s.generatedSchema,
		History:         history,
	}
}

// publishLocked hands the current snapshot to the persister. Before
// hydration nothing is published so defaults never overwrite a saved record.
func (s *Store) publishLocked() {
	if !s.hydrated.Load() {
		return
	}
	snap := s.snapshotLocked()
	select {
	case s.changes <- snap:
		return
	default:
	}
	// drop the stale pending snapshot
	select {
	case <-s.changes:
	default:
	}
	select {
	case s.changes <- snap:
	default:
	}
}

// Snapshot returns the persisted subset of the state.
func (s *Store) Snapshot() domain.WorkflowSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// View returns a copy of the full state.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, len(s.referenceImages))
	copy(refs, s.referenceImages)
	return View{
		WorkflowSnapshot: s.snapshotLocked(),
		Stage:            s.stage,
		GeneratedImage:   cloneString(s.generatedImage),
		ReferenceImages:  refs,
		Hydrated:         s.hydrated.Load(),
	}
}

func (s *Store) Stage() domain.Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

func (s *Store) Language() domain.Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

func (s *Store) LogicConfig() domain.ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logicConfig
}

func (s *Store) VisionConfig() domain.ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visionConfig
}

func (s *Store) PaperContent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paperContent
}

func (s *Store) GeneratedSchema() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generatedSchema
}

func (s *Store) GeneratedImage() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneString(s.generatedImage)
}

func (s *Store) ReferenceImages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.referenceImages))
	copy(out, s.referenceImages)
	return out
}

// mutate applies fn under the write lock and publishes when fn reports
// that it changed a persisted field.
func (s *Store) mutate(fn func() (persisted bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn() {
		s.publishLocked()
	}
}

func (s *Store) SetLogicConfig(cfg domain.ModelConfig) {
	s.mutate(func() bool {
		s.logicConfig = cfg
		return true
	})
}

func (s *Store) SetVisionConfig(cfg domain.ModelConfig) {
	s.mutate(func() bool {
		s.visionConfig = cfg
		return true
	})
}

func (s *Store) SetLanguage(lang domain.Language) {
	s.mutate(func() bool {
		s.language = lang
		return true
	})
}

func (s *Store) SetPaperContent(content string) {
	s.mutate(func() bool {
		s.paperContent = content
		return true
	})
}

func (s *Store) SetGeneratedSchema(schema string) {
	s.mutate(func() bool {
		s.generatedSchema = schema
		return true
	})
}

func (s *Store) SetGeneratedImage(image *string) {
	s.mutate(func() bool {
		s.generatedImage = cloneString(image)
		return false
	})
}

func (s *Store) AddReferenceImage(image string) {
	s.mutate(func() bool {
		s.referenceImages = append(s.referenceImages, image)
		return false
	})
}

func (s *Store) ClearReferenceImages() {
	s.mutate(func() bool {
		s.referenceImages = nil
		return false
	})
}

// SetStage moves to target. Review and Render need a generated schema;
// without one the call changes nothing and returns false.
func (s *Store) SetStage(target domain.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch target {
	case domain.StageIntake, domain.StageReview, domain.StageRender:
	default:
		return false
	}
	if target.RequiresSchema() && s.generatedSchema == "" {
		s.logger.Debug().Str("target", target.String()).Msg("Stage change refused without a generated schema")
		return false
	}
	s.stage = target
	return true
}

// ResetProject clears the working content and returns to Intake.
// Configuration and history are kept.
func (s *Store) ResetProject() {
	s.mutate(func() bool {
		s.paperContent = ""
		s.generatedSchema = ""
		s.generatedImage = nil
		s.referenceImages = nil
		s.stage = domain.StageIntake
		return true
	})
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
