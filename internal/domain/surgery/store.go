package surgery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/caseregister/internal/domain/activity"
)

// IdentityFunc names the user responsible for a mutation.
type IdentityFunc func(ctx context.Context) string

// Recorder receives store metrics.
type Recorder interface {
	ObserveMutation(op string, err error)
	ObserveTransition(from, to string)
	ObserveRebook()
	ObserveRemoteChange(op string)
	SetCases(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveMutation(string, error) {}
func (nopRecorder) ObserveTransition(string, string) {}
func (nopRecorder) ObserveRebook() {}
func (nopRecorder) ObserveRemoteChange(string) {}
func (nopRecorder) SetCases(int) {}

type StoreOption func(*Store)

// WithChangeFeed makes Open follow commits from other writers.
func WithChangeFeed(feed ChangeFeed) StoreOption {
	return func(s *Store) { s.feed = feed }
}

func WithIdentity(fn IdentityFunc) StoreOption {
	return func(s *Store) { s.identity = fn }
}

func WithRecorder(r Recorder) StoreOption {
	return func(s *Store) { s.metrics = r }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

const subscriberBuffer = 64

// Store is the in-memory register of surgical cases, kept in sync with the
// repository. Mutations are serialized; a failed write leaves memory as it
// was. Values handed out are copies.
type Store struct {
	repo     CaseRepository
	log      activity.Log
	feed     ChangeFeed
	identity IdentityFunc
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time

	writeMu sync.Mutex

	mu    sync.RWMutex
	cases map[uuid.UUID]*Case

	subMu   sync.Mutex
	subs    map[int]chan ChangeEvent
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStore(repo CaseRepository, log activity.Log, opts ...StoreOption) *Store {
	s := &Store{
		repo:     repo,
		log:      log,
		identity: func(context.Context) string { return "" },
		metrics:  nopRecorder{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		cases:    make(map[uuid.UUID]*Case),
		subs:     make(map[int]chan ChangeEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads every case with its deferral history and, when a change feed
// is configured, starts merging remote changes until Close.
func (s *Store) Open(ctx context.Context) error {
	loaded, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cases = loaded
	s.mu.Unlock()
	s.metrics.SetCases(len(loaded))
	s.logger.Info().Int("cases", len(loaded)).Msg("case store loaded")

	if s.feed == nil {
		return nil
	}
	feedCtx, cancel := context.WithCancel(context.Background())
	changes, err := s.feed.Changes(feedCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.follow(feedCtx, changes)
	return nil
}

// load reads every case and all deferral history in parallel.
func (s *Store) load(ctx context.Context) (map[uuid.UUID]*Case, error) {
	var (
		cases     []*Case
		deferrals []DeferralEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cases, err = s.repo.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		deferrals, err = s.repo.ListAllDeferrals(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: load cases: %w", ErrPersistence, err)
	}

	byCase := make(map[uuid.UUID][]DeferralEntry)
	for _, d := range deferrals {
		byCase[d.CaseID] = append(byCase[d.CaseID], d)
	}
	loaded := make(map[uuid.UUID]*Case, len(cases))
	for _, c := range cases {
		c.DeferralHistory = sortDeferrals(byCase[c.ID])
		loaded[c.ID] = c.Clone()
	}
	return loaded, nil
}

// Close stops the change feed and closes every subscriber channel.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// List returns every case ordered by date, then time.
func (s *Store) List() []*Case {
	s.mu.RLock()
	out := make([]*Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if ti, tj := strVal(out[i].Time), strVal(out[j].Time); ti != tj {
			return ti < tj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) Get(id uuid.UUID) (*Case, error) {
	c := s.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Deferrals returns the case's deferral history, newest first.
func (s *Store) Deferrals(id uuid.UUID) ([]DeferralEntry, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return c.DeferralHistory, nil
}

// Summary aggregates cases whose date falls in [from, to]. Empty bounds are
// open.
func (s *Store) Summary(from, to string) *Summary {
	return Summarize(s.List(), from, to, s.now())
}

func (s *Store) lookup(id uuid.UUID) *Case {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cases[id].Clone()
}

func (s *Store) Create(ctx context.Context, in *NewCase) (*Case, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	saved, err := s.repo.Create(ctx, in.toCase())
	s.metrics.ObserveMutation("create", err)
	if err != nil {
		s.logger.Error().Err(err).Str("patient", in.PatientName).Msg("create case failed")
		return nil, fmt.Errorf("%w: create case: %w", ErrPersistence, err)
	}
	saved.DeferralHistory = []DeferralEntry{}

	n := s.put(saved)
	s.metrics.SetCases(n)
	s.record(ctx, activity.Entry{
		Action:      ActionCreated,
		CaseID:      saved.ID,
		PatientName: saved.PatientName,
		Changes:     CreatedDescription,
	})
	s.publish(ChangeEvent{Type: ChangeInsert, CaseID: saved.ID, Case: saved.Clone()})
	return saved.Clone(), nil
}

// Update runs upd through the lifecycle rules and persists the result. The
// case row and any deferral-history row are written in one transaction.
func (s *Store) Update(ctx context.Context, id uuid.UUID, upd *CaseUpdate) (*Case, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	original := s.lookup(id)
	if original == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := upd.Validate(original); err != nil {
		return nil, err
	}
	return s.commit(ctx, original, Resolve(original, upd, s.now()))
}

// ConfirmOnOTList sets the OT-list flag without touching the lifecycle.
func (s *Store) ConfirmOnOTList(ctx context.Context, id uuid.UUID, confirmed bool) (*Case, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	original := s.lookup(id)
	if original == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if original.ConfirmedOnOTList == confirmed {
		return original, nil
	}
	return s.commit(ctx, original, Resolve(original, &CaseUpdate{ConfirmedOnOTList: &confirmed}, s.now()))
}

func (s *Store) commit(ctx context.Context, original *Case, res *Resolution) (*Case, error) {
	var (
		saved *Case
		entry *DeferralEntry
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if saved, err = s.repo.Update(ctx, res.Case); err != nil {
			return err
		}
		if res.Deferral != nil {
			if entry, err = s.repo.AddDeferral(ctx, res.Deferral); err != nil {
				return fmt.Errorf("add deferral: %w", err)
			}
		}
		return nil
	})
	s.metrics.ObserveMutation("update", err)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, original.ID)
		}
		s.logger.Error().Err(err).Str("case_id", original.ID.String()).Msg("update case failed")
		return nil, fmt.Errorf("%w: update case %s: %w", ErrPersistence, original.ID, err)
	}

	saved.DeferralHistory = original.DeferralHistory
	if entry != nil {
		saved.DeferralHistory = append([]DeferralEntry{*entry}, original.DeferralHistory...)
	}
	s.put(saved)

	if original.Status != saved.Status {
		s.metrics.ObserveTransition(string(original.Status), string(saved.Status))
	}
	if res.Rebooked {
		s.metrics.ObserveRebook()
	}
	s.record(ctx, activity.Entry{
		Action:      ActionUpdated,
		CaseID:      saved.ID,
		PatientName: saved.PatientName,
		Changes:     DescribeChanges(original, saved),
	})
	s.publish(ChangeEvent{Type: ChangeUpdate, CaseID: saved.ID, Case: saved.Clone()})
	return saved.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	original := s.lookup(id)
	if original == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	err := s.repo.Delete(ctx, id)
	s.metrics.ObserveMutation("delete", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error().Err(err).Str("case_id", id.String()).Msg("delete case failed")
		return fmt.Errorf("%w: delete case %s: %w", ErrPersistence, id, err)
	}

	n := s.drop(id)
	s.metrics.SetCases(n)
	s.record(ctx, activity.Entry{
		Action:      ActionDeleted,
		CaseID:      id,
		PatientName: original.PatientName,
		Changes:     DeletedDescription,
	})
	s.publish(ChangeEvent{Type: ChangeDelete, CaseID: id})
	return nil
}

func (s *Store) put(c *Case) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c.Clone()
	return len(s.cases)
}

func (s *Store) drop(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, id)
	return len(s.cases)
}

// record appends to the activity log. The mutation has already committed, so
// a failed append is logged and otherwise ignored.
func (s *Store) record(ctx context.Context, e activity.Entry) {
	if s.log == nil {
		return
	}
	e.User = s.identity(ctx)
	if err := s.log.Append(ctx, &e); err != nil {
		s.logger.Warn().Err(err).Str("case_id", e.CaseID.String()).Str("action", e.Action).
			Msg("activity log append failed")
	}
}

// Subscribe returns a channel of change events and a func that ends the
// subscription. Slow subscribers miss events rather than block writers.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan ChangeEvent, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

func (s *Store) publish(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn().Str("case_id", ev.CaseID.String()).Msg("subscriber full, dropping change event")
		}
	}
}

func (s *Store) follow(ctx context.Context, changes <-chan RemoteChange) {
	defer close(s.done)
	for rc := range changes {
		merge := s.merge
		if rc.Op == ChangeResync {
			merge = s.resync
		}
		if err := merge(ctx, rc); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("case_id", rc.CaseID.String()).Str("table", rc.Table).
				Msg("merge remote change failed")
		}
	}
}

// merge reconciles memory with the committed state of one row. Changes this
// process made itself reload identical and are not re-published.
func (s *Store) merge(ctx context.Context, rc RemoteChange) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	caseID := rc.ID
	if rc.Table == TableDeferrals {
		caseID = rc.CaseID
	}
	s.metrics.ObserveRemoteChange(string(rc.Op))

	if rc.Table == TableCases && rc.Op == ChangeDelete {
		s.dropRemote(caseID)
		return nil
	}

	fresh, err := s.repo.GetByID(ctx, caseID)
	if errors.Is(err, ErrNotFound) {
		s.dropRemote(caseID)
		return nil
	}
	if err != nil {
		return err
	}
	deferrals, err := s.repo.ListDeferrals(ctx, caseID)
	if err != nil {
		return err
	}
	fresh.DeferralHistory = sortDeferrals(deferrals)

	current := s.lookup(caseID)
	if current != nil && reflect.DeepEqual(current, fresh.Clone()) {
		return nil
	}
	n := s.put(fresh)
	s.metrics.SetCases(n)

	typ := ChangeUpdate
	if current == nil {
		typ = ChangeInsert
	}
	s.publish(ChangeEvent{Type: typ, CaseID: caseID, Case: fresh.Clone(), Remote: true})
	return nil
}

// resync reloads the whole register after the feed may have missed changes
// and publishes whatever differs from memory.
func (s *Store) resync(ctx context.Context, _ RemoteChange) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.metrics.ObserveRemoteChange(string(ChangeResync))
	loaded, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.cases
	s.cases = loaded
	s.mu.Unlock()
	s.metrics.SetCases(len(loaded))

	var changed int
	for id, fresh := range loaded {
		current, ok := previous[id]
		switch {
		case !ok:
			s.publish(ChangeEvent{Type: ChangeInsert, CaseID: id, Case: fresh.Clone(), Remote: true})
		case !reflect.DeepEqual(current, fresh):
			s.publish(ChangeEvent{Type: ChangeUpdate, CaseID: id, Case: fresh.Clone(), Remote: true})
		default:
			continue
		}
		changed++
	}
	for id := range previous {
		if _, ok := loaded[id]; !ok {
			s.publish(ChangeEvent{Type: ChangeDelete, CaseID: id, Remote: true})
			changed++
		}
	}
	s.logger.Info().Int("cases", len(loaded)).Int("changed", changed).Msg("case store resynced")
	return nil
}

func (s *Store) dropRemote(id uuid.UUID) {
	if s.lookup(id) == nil {
		return
	}
	n := s.drop(id)
	s.metrics.SetCases(n)
	s.publish(ChangeEvent{Type: ChangeDelete, CaseID: id, Remote: true})
}

func sortDeferrals(in []DeferralEntry) []DeferralEntry {
	out := append([]DeferralEntry{}, in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeferredAt.After(out[j].DeferredAt)
	})
	return out
}
