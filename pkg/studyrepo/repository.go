// Package studyrepo persists study definition snapshots onto the versioned
// study graph. A Repository loads a snapshot together with a Closure of the
// graph handles it was read from, and Save reconciles a changed snapshot
// against that closure with the minimal set of graph writes, recording a
// StudyAction audit node for every value or field node that changes.
//
// Every write takes an explicit graph.Tx. Loading for update locks the
// study until the transaction ends, so at most one writer per study makes
// progress at a time.
package studyrepo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// TermResolver resolves controlled terms (or dictionary terms) by uid. It
// returns nil, nil when the term does not exist.
type TermResolver interface {
	ResolveTerm(ctx context.Context, tx graph.Tx, termUID string, dictionary bool) (*graph.Node, error)
}

// ProjectResolver resolves projects by project number. It returns nil, nil
// when the project does not exist.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, tx graph.Tx, projectNumber string) (*graph.Node, error)
}

// Recorder observes repository calls. pkg/metrics provides the Prometheus
// implementation.
type Recorder interface {
	ObserveOperation(op string, d time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, time.Duration, error) {}

// Repository reads and writes study definitions.
type Repository struct {
	store        graph.Store
	terms        TermResolver
	projects     ProjectResolver
	fields       []study.FieldConfig
	fieldsByName map[string]study.FieldConfig
	user         string
	now          func() time.Time
	logger       *slog.Logger
	recorder     Recorder

	booleanYes      string
	booleanNo       string
	nullFlavorField string
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used when a snapshot carries no version timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithFieldConfig replaces the field registry.
func WithFieldConfig(fields []study.FieldConfig) Option {
	return func(r *Repository) { r.fields = fields }
}

// WithBooleanTerms sets the CT terms boolean fields are typed with.
func WithBooleanTerms(yes, no string) Option {
	return func(r *Repository) {
		r.booleanYes = yes
		r.booleanNo = no
	}
}

// WithNullFlavorField sets the field name reported when a null-value
// reason term is missing.
func WithNullFlavorField(name string) Option {
	return func(r *Repository) { r.nullFlavorField = name }
}

// WithRecorder sets the operation recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Repository) { r.recorder = rec }
}

// New returns a Repository over store. Call ForUser to bind the acting user
// before writing.
func New(store graph.Store, terms TermResolver, projects ProjectResolver, opts ...Option) *Repository {
	r := &Repository{
		store:           store,
		terms:           terms,
		projects:        projects,
		fields:          study.DefaultFieldConfig(),
		now:             func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
		recorder:        noopRecorder{},
		booleanYes:      "C49488_Y",
		booleanNo:       "C49487_N",
		nullFlavorField: "Null Flavor",
	}
	for _, o := range opts {
		o(r)
	}
	r.fieldsByName = make(map[string]study.FieldConfig, len(r.fields))
	for _, f := range r.fields {
		r.fieldsByName[f.Name] = f
	}
	return r
}

// ForUser returns a copy of r acting on behalf of the user with the initials.
func (r *Repository) ForUser(initials string) *Repository {
	c := *r
	c.user = initials
	return &c
}

// User returns the initials of the acting user.
func (r *Repository) User() string { return r.user }

// Store returns the graph the repository works on.
func (r *Repository) Store() graph.Store { return r.store }

// GenerateUID allocates the next study uid, e.g. "Study_000001". With a nil
// tx the allocation is committed in its own transaction.
func (r *Repository) GenerateUID(ctx context.Context, tx graph.Tx) (string, error) {
	if tx == nil {
		var uid string
		err := graph.RunInTx(ctx, r.store, func(tx graph.Tx) error {
			var err error
			uid, err = r.GenerateUID(ctx, tx)
			return err
		})
		return uid, err
	}
	n, err := tx.NextSequence(ctx, LabelStudyRoot)
	if err != nil {
		return "", fmt.Errorf("allocate study uid: %w", err)
	}
	return fmt.Sprintf("Study_%06d", n), nil
}

// FindUIDByStudyNumber returns the uid of the study whose latest value
// carries the study number, or "".
func (r *Repository) FindUIDByStudyNumber(ctx context.Context, tx graph.Tx, number string) (string, error) {
	var uid string
	err := r.read(ctx, tx, func(tx graph.Tx) error {
		roots, err := tx.ListNodes(ctx, LabelStudyRoot)
		if err != nil {
			return err
		}
		for _, root := range roots {
			value, err := latestValue(ctx, tx, root)
			if err != nil {
				return err
			}
			if value != nil && value.StringProp("study_number") == number {
				uid = root.Key
				return nil
			}
		}
		return nil
	})
	return uid, err
}

// StudyNumberExists reports whether any study uses the study number.
func (r *Repository) StudyNumberExists(ctx context.Context, tx graph.Tx, number string) (bool, error) {
	uid, err := r.FindUIDByStudyNumber(ctx, tx, number)
	return uid != "", err
}

// read runs fn on tx, or on a private transaction that is rolled back.
func (r *Repository) read(ctx context.Context, tx graph.Tx, fn func(tx graph.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	own, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = own.Rollback() }()
	return fn(own)
}

func (r *Repository) observe(op string, start time.Time, err *error) {
	r.recorder.ObserveOperation(op, time.Since(start), *err)
}

func errNoTransaction(op string) error {
	return study.Precondition("NO_TRANSACTION", "%s requires an active transaction", op)
}

func latestValue(ctx context.Context, tx graph.Tx, root *graph.Node) (*graph.Node, error) {
	rels, err := tx.Outgoing(ctx, root.ID, RelLatest)
	if err != nil {
		return nil, err
	}
	rel, err := graph.Single(rels)
	if err != nil || rel == nil {
		return nil, err
	}
	return tx.GetNode(ctx, rel.To)
}
