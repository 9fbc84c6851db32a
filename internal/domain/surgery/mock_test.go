package surgery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockCaseRepo struct {
	mu        sync.Mutex
	cases     map[uuid.UUID]*Case
	deferrals []DeferralEntry

	failCreate   error
	failUpdate   error
	failDelete   error
	failDeferral error
	failList     error

	updates int
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{cases: make(map[uuid.UUID]*Case)}
}

func (m *mockCaseRepo) row(c *Case) *Case {
	out := c.Clone()
	out.DeferralHistory = []DeferralEntry{}
	return out
}

func (m *mockCaseRepo) Create(_ context.Context, c *Case) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	c = c.Clone()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.cases[c.ID] = c
	return m.row(c), nil
}

func (m *mockCaseRepo) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.row(c), nil
}

func (m *mockCaseRepo) Update(_ context.Context, c *Case) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return nil, m.failUpdate
	}
	if _, ok := m.cases[c.ID]; !ok {
		return nil, ErrNotFound
	}
	c = c.Clone()
	c.UpdatedAt = time.Now()
	m.cases[c.ID] = c
	m.updates++
	return m.row(c), nil
}

func (m *mockCaseRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	if _, ok := m.cases[id]; !ok {
		return ErrNotFound
	}
	delete(m.cases, id)
	kept := m.deferrals[:0]
	for _, d := range m.deferrals {
		if d.CaseID != id {
			kept = append(kept, d)
		}
	}
	m.deferrals = kept
	return nil
}

func (m *mockCaseRepo) List(_ context.Context) ([]*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, m.failList
	}
	var out []*Case
	for _, c := range m.cases {
		out = append(out, m.row(c))
	}
	return out, nil
}

func (m *mockCaseRepo) AddDeferral(_ context.Context, d *DeferralEntry) (*DeferralEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDeferral != nil {
		return nil, m.failDeferral
	}
	out := *d
	out.ID = uuid.New()
	m.deferrals = append(m.deferrals, out)
	return &out, nil
}

func (m *mockCaseRepo) ListDeferrals(_ context.Context, caseID uuid.UUID) ([]DeferralEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []DeferralEntry{}
	for i := len(m.deferrals) - 1; i >= 0; i-- {
		if m.deferrals[i].CaseID == caseID {
			out = append(out, m.deferrals[i])
		}
	}
	return out, nil
}

func (m *mockCaseRepo) ListAllDeferrals(_ context.Context) ([]DeferralEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeferralEntry{}, m.deferrals...), nil
}

// WithinTx snapshots the repository and restores it when fn fails.
func (m *mockCaseRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	cases := make(map[uuid.UUID]*Case, len(m.cases))
	for id, c := range m.cases {
		cases[id] = c.Clone()
	}
	deferrals := append([]DeferralEntry{}, m.deferrals...)
	updates := m.updates
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.cases, m.deferrals, m.updates = cases, deferrals, updates
		m.mu.Unlock()
		return err
	}
	return nil
}

// put writes a row directly, as another client would.
func (m *mockCaseRepo) put(c *Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = c.Clone()
}

func (m *mockCaseRepo) deferralCount(caseID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deferrals {
		if d.CaseID == caseID {
			n++
		}
	}
	return n
}

var errDBDown = errors.New("connection refused")

// -- Mock Change Feed --

type chanFeed struct {
	ch chan RemoteChange
}

func newChanFeed() *chanFeed {
	return &chanFeed{ch: make(chan RemoteChange, 16)}
}

func (f *chanFeed) Changes(ctx context.Context) (<-chan RemoteChange, error) {
	out := make(chan RemoteChange)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case rc := <-f.ch:
				select {
				case out <- rc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// -- Fixtures --

func strPtr(s string) *string { return &s }

func statusPtr(s Status) *Status { return &s }

func boolPtr(b bool) *bool { return &b }

func newTestCase() *Case {
	return &Case{
		ID:                  uuid.New(),
		PatientName:         "Jane Doe",
		Age:                 42,
		Sex:                 SexFemale,
		Diagnoses:           []string{"Cholelithiasis"},
		Procedures:          []string{"Laparoscopic cholecystectomy"},
		Doctor:              "Dr. Mensah",
		Specialty:           "General Surgery",
		Date:                "2026-03-02",
		Time:                strPtr("08:00"),
		CaseType:            CaseTypeElective,
		Status:              StatusScheduled,
		CancellationHistory: []CancellationEntry{},
		DeferralHistory:     []DeferralEntry{},
	}
}

func newTestInput() *NewCase {
	return &NewCase{
		PatientName: "Jane Doe",
		Age:         42,
		Sex:         SexFemale,
		Diagnoses:   []string{"Cholelithiasis"},
		Procedures:  []string{"Laparoscopic cholecystectomy"},
		Doctor:      "Dr. Mensah",
		Specialty:   "General Surgery",
		Date:        "2026-03-02",
		Time:        strPtr("08:00"),
	}
}
