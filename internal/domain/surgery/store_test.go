package surgery

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/caseregister/internal/domain/activity"
)

const testUser = "scheduler.one"

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *mockCaseRepo, *activity.MemoryLog) {
	t.Helper()
	repo := newMockCaseRepo()
	log := activity.NewMemoryLog(activity.DefaultLimit)
	opts = append([]StoreOption{
		WithIdentity(func(context.Context) string { return testUser }),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	s := NewStore(repo, log, opts...)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s, repo, log
}

func mustCreate(t *testing.T, s *Store) *Case {
	t.Helper()
	c, err := s.Create(context.Background(), newTestInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func mustUpdate(t *testing.T, s *Store, id uuid.UUID, upd *CaseUpdate) *Case {
	t.Helper()
	c, err := s.Update(context.Background(), id, upd)
	if err != nil {
		t.Fatalf("update case: %v", err)
	}
	return c
}

func mustGet(t *testing.T, s *Store, id uuid.UUID) *Case {
	t.Helper()
	c, err := s.Get(id)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	return c
}

func recentActivity(t *testing.T, log *activity.MemoryLog) []*activity.Entry {
	t.Helper()
	items, err := log.Recent(context.Background(), testUser)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	return items
}

func nextEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestStore_Create(t *testing.T) {
	s, _, log := newTestStore(t)
	events, cancel := s.Subscribe()
	defer cancel()

	c := mustCreate(t, s)

	if c.ID == uuid.Nil {
		t.Error("expected an assigned id")
	}
	if c.Status != StatusScheduled || c.CaseType != CaseTypeElective {
		t.Errorf("expected scheduled elective, got %s/%s", c.Status, c.CaseType)
	}
	if c.RebookCount != 0 || len(c.CancellationHistory) != 0 || len(c.DeferralHistory) != 0 {
		t.Errorf("expected fresh lifecycle, got %+v", c)
	}
	if n := len(s.List()); n != 1 {
		t.Errorf("expected 1 case, got %d", n)
	}

	entries := recentActivity(t, log)
	if len(entries) != 1 {
		t.Fatalf("expected 1 activity entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != ActionCreated || e.Changes != CreatedDescription || e.PatientName != "Jane Doe" {
		t.Errorf("unexpected entry: %+v", e)
	}

	ev := nextEvent(t, events)
	if ev.Type != ChangeInsert || ev.CaseID != c.ID || ev.Remote {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestStore_CreateValidationFailure(t *testing.T) {
	s, _, log := newTestStore(t)
	in := newTestInput()
	in.PatientName = ""

	if _, err := s.Create(context.Background(), in); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if len(s.List()) != 0 || len(recentActivity(t, log)) != 0 {
		t.Error("failed create should leave no trace")
	}
}

func TestStore_CreateWithoutTime(t *testing.T) {
	s, _, _ := newTestStore(t)
	in := newTestInput()
	in.Time = strPtr("")
	in.AdmissionSource = strPtr("")

	c, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Time != nil || c.AdmissionSource != nil {
		t.Errorf("expected blank optionals stored as nil, got time=%v source=%v", c.Time, c.AdmissionSource)
	}
}

func TestStore_CreatePersistenceFailure(t *testing.T) {
	s, repo, log := newTestStore(t)
	repo.failCreate = errDBDown

	_, err := s.Create(context.Background(), newTestInput())
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, errDBDown) {
		t.Errorf("expected ErrPersistence wrapping the cause, got %v", err)
	}
	if len(s.List()) != 0 || len(recentActivity(t, log)) != 0 {
		t.Error("failed create should leave no trace")
	}
}

// A case cancelled with a rebooking date comes back scheduled on the new
// date with the cancellation moved into history.
func TestStore_CancelWithRebook(t *testing.T) {
	s, _, log := newTestStore(t)
	c := mustCreate(t, s)

	got := mustUpdate(t, s, c.ID, &CaseUpdate{
		Status:             statusPtr(StatusCancelled),
		CancellationReason: strPtr("Patient unwell"),
		NewDate:            strPtr("2026-03-09"),
	})

	if got.Status != StatusScheduled || got.Date != "2026-03-09" || got.RebookCount != 1 {
		t.Errorf("expected scheduled on 2026-03-09 with 1 rebook, got %s/%s/%d", got.Status, got.Date, got.RebookCount)
	}
	if got.CancellationReason != nil {
		t.Errorf("expected reason cleared, got %q", *got.CancellationReason)
	}
	if len(got.CancellationHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(got.CancellationHistory))
	}
	if h := got.CancellationHistory[0]; h.OriginalDate != "2026-03-02" || h.Reason != "Patient unwell" {
		t.Errorf("unexpected history entry: %+v", h)
	}
	if stored := mustGet(t, s, c.ID); !reflect.DeepEqual(stored, got) {
		t.Errorf("memory differs from returned case:\n got %+v\nwant %+v", stored, got)
	}

	entries := recentActivity(t, log)
	if len(entries) != 2 {
		t.Fatalf("expected 2 activity entries, got %d", len(entries))
	}
	want := "Date: 2026-03-02 → 2026-03-09, Cancellation reason: Patient unwell"
	if entries[0].Action != ActionUpdated || entries[0].Changes != want {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

// Deferring then un-deferring leaves exactly one deferral-history row.
func TestStore_DeferThenUndefer(t *testing.T) {
	s, repo, _ := newTestStore(t)
	c := mustCreate(t, s)

	deferred := mustUpdate(t, s, c.ID, &CaseUpdate{
		Status:         statusPtr(StatusDeferred),
		DeferralReason: strPtr("Awaiting labs"),
	})
	if deferred.Status != StatusDeferred || strVal(deferred.DeferralReason) != "Awaiting labs" {
		t.Errorf("expected deferred with reason, got %s/%v", deferred.Status, deferred.DeferralReason)
	}
	if deferred.RebookCount != 0 {
		t.Errorf("deferring without a date should not rebook, got %d", deferred.RebookCount)
	}
	if len(deferred.DeferralHistory) != 1 || deferred.DeferralHistory[0].OriginalDate != "2026-03-02" {
		t.Errorf("unexpected deferral history: %+v", deferred.DeferralHistory)
	}
	if n := repo.deferralCount(c.ID); n != 1 {
		t.Errorf("expected 1 deferral row, got %d", n)
	}

	resumed := mustUpdate(t, s, c.ID, &CaseUpdate{Status: statusPtr(StatusScheduled)})
	if resumed.Status != StatusScheduled || resumed.DeferralReason != nil {
		t.Errorf("expected scheduled without reason, got %s/%v", resumed.Status, resumed.DeferralReason)
	}
	if len(resumed.DeferralHistory) != 1 || repo.deferralCount(c.ID) != 1 {
		t.Errorf("un-deferral should keep history, got %d entries, %d rows",
			len(resumed.DeferralHistory), repo.deferralCount(c.ID))
	}

	history, err := s.Deferrals(c.ID)
	if err != nil || len(history) != 1 {
		t.Errorf("expected 1 deferral, got %d (%v)", len(history), err)
	}
}

func TestStore_RebookCountMatchesRescheduleEvents(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := mustCreate(t, s)

	steps := []*CaseUpdate{
		{Date: strPtr("2026-03-03")},
		{Status: statusPtr(StatusCancelled), CancellationReason: strPtr("No bed"), NewDate: strPtr("2026-03-10")},
		{Status: statusPtr(StatusDeferred), DeferralReason: strPtr("Anaemia"), NewDate: strPtr("2026-04-01")},
		{Status: statusPtr(StatusScheduled), Time: strPtr("10:15")},
		{Notes: strPtr("consent signed")},
	}
	for _, upd := range steps {
		mustUpdate(t, s, c.ID, upd)
	}

	got := mustGet(t, s, c.ID)
	if got.RebookCount != 4 {
		t.Errorf("expected rebook count 4, got %d", got.RebookCount)
	}
	if len(got.CancellationHistory) != 1 || len(got.DeferralHistory) != 1 {
		t.Errorf("expected one entry in each history, got %d/%d",
			len(got.CancellationHistory), len(got.DeferralHistory))
	}
}

// Clearing the time is a reschedule like any other time change.
func TestStore_ClearTimeCountsAsReschedule(t *testing.T) {
	s, _, log := newTestStore(t)
	c := mustCreate(t, s)

	got := mustUpdate(t, s, c.ID, &CaseUpdate{Time: strPtr("")})
	if got.Time != nil {
		t.Errorf("expected time cleared, got %q", *got.Time)
	}
	if got.RebookCount != c.RebookCount+1 {
		t.Errorf("expected rebook count %d, got %d", c.RebookCount+1, got.RebookCount)
	}
	if entries := recentActivity(t, log); entries[0].Changes != "Time: 08:00 → none" {
		t.Errorf("unexpected activity text %q", entries[0].Changes)
	}

	got = mustUpdate(t, s, c.ID, &CaseUpdate{AdmissionSource: strPtr(""), PatientType: strPtr("")})
	if got.AdmissionSource != nil || got.PatientType != nil {
		t.Errorf("expected admission source and patient type cleared, got %v/%v", got.AdmissionSource, got.PatientType)
	}
}

func TestStore_ConfirmOnOTList(t *testing.T) {
	s, repo, log := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s)
	c = mustUpdate(t, s, c.ID, &CaseUpdate{
		Status:             statusPtr(StatusCancelled),
		CancellationReason: strPtr("No bed"),
		NewDate:            strPtr("2026-03-10"),
	})

	got, err := s.ConfirmOnOTList(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.ConfirmedOnOTList {
		t.Error("expected confirmed")
	}
	want := c.Clone()
	want.ConfirmedOnOTList = true
	want.UpdatedAt = got.UpdatedAt
	if !reflect.DeepEqual(got, want) {
		t.Errorf("toggle changed more than the flag:\n got %+v\nwant %+v", got, want)
	}
	if changes := recentActivity(t, log)[0].Changes; changes != "OT List: Not confirmed → Confirmed" {
		t.Errorf("unexpected activity text %q", changes)
	}

	updates := repo.updates
	again, err := s.ConfirmOnOTList(ctx, c.ID, true)
	if err != nil || !again.ConfirmedOnOTList {
		t.Errorf("expected confirmed case, got %+v (%v)", again, err)
	}
	if repo.updates != updates {
		t.Error("setting the same value should not write")
	}
}

func TestStore_UpdateNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Update(context.Background(), uuid.New(), &CaseUpdate{Notes: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ConfirmOnOTList(context.Background(), uuid.New(), true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateValidationLeavesStateUnchanged(t *testing.T) {
	s, _, log := newTestStore(t)
	c := mustCreate(t, s)

	_, err := s.Update(context.Background(), c.ID, &CaseUpdate{Status: statusPtr(StatusCancelled)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if got := mustGet(t, s, c.ID); !reflect.DeepEqual(got, c) {
		t.Errorf("case changed after rejected update: %+v", got)
	}
	if n := len(recentActivity(t, log)); n != 1 {
		t.Errorf("expected 1 activity entry, got %d", n)
	}
}

func TestStore_UpdatePersistenceFailure(t *testing.T) {
	s, repo, log := newTestStore(t)
	c := mustCreate(t, s)
	repo.failUpdate = errDBDown

	_, err := s.Update(context.Background(), c.ID, &CaseUpdate{Date: strPtr("2026-03-05")})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
	if got := mustGet(t, s, c.ID); !reflect.DeepEqual(got, c) {
		t.Errorf("case changed after failed write: %+v", got)
	}
	if n := len(recentActivity(t, log)); n != 1 {
		t.Errorf("expected 1 activity entry, got %d", n)
	}
}

// A failed deferral-history insert rolls back the case row as well.
func TestStore_DeferralWriteIsAtomic(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s)
	repo.failDeferral = errDBDown

	_, err := s.Update(ctx, c.ID, &CaseUpdate{
		Status:         statusPtr(StatusDeferred),
		DeferralReason: strPtr("Awaiting labs"),
	})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}

	row, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row.Status != StatusScheduled || repo.deferralCount(c.ID) != 0 {
		t.Errorf("expected rollback, got status %s and %d deferral rows", row.Status, repo.deferralCount(c.ID))
	}
	if got := mustGet(t, s, c.ID); got.Status != StatusScheduled {
		t.Errorf("expected memory unchanged, got %s", got.Status)
	}
}

func TestStore_Delete(t *testing.T) {
	s, _, log := newTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s)
	events, cancel := s.Subscribe()
	defer cancel()

	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.List()) != 0 {
		t.Error("expected case removed from the list")
	}

	var deleted int
	for _, e := range recentActivity(t, log) {
		if e.Action == ActionDeleted {
			deleted++
			if e.Changes != DeletedDescription || e.PatientName != "Jane Doe" {
				t.Errorf("unexpected entry: %+v", e)
			}
		}
	}
	if deleted != 1 {
		t.Errorf("expected exactly 1 deleted entry, got %d", deleted)
	}

	if ev := nextEvent(t, events); ev.Type != ChangeDelete || ev.Case != nil {
		t.Errorf("unexpected event: %+v", ev)
	}
	if err := s.Delete(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteFailureKeepsCase(t *testing.T) {
	s, repo, log := newTestStore(t)
	c := mustCreate(t, s)
	repo.failDelete = errDBDown

	if err := s.Delete(context.Background(), c.ID); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
	if len(s.List()) != 1 {
		t.Error("expected case kept")
	}
	entries := recentActivity(t, log)
	if len(entries) != 1 || entries[0].Action != ActionCreated {
		t.Errorf("expected only the created entry, got %+v", entries)
	}
}

func TestStore_ListReturnsCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := mustCreate(t, s)

	list := s.List()
	list[0].PatientName = "Changed"
	list[0].Diagnoses[0] = "Changed"

	got := mustGet(t, s, c.ID)
	if got.PatientName != "Jane Doe" || got.Diagnoses[0] != "Cholelithiasis" {
		t.Errorf("store was mutated through a returned copy: %+v", got)
	}
}

func TestStore_OpenLoadsDeferralHistory(t *testing.T) {
	repo := newMockCaseRepo()
	c := newTestCase()
	c.Status = StatusDeferred
	repo.put(c)
	older := DeferralEntry{ID: uuid.New(), CaseID: c.ID, Reason: "first", DeferredAt: testNow.Add(-48 * time.Hour)}
	newer := DeferralEntry{ID: uuid.New(), CaseID: c.ID, Reason: "second", DeferredAt: testNow}
	repo.deferrals = []DeferralEntry{older, newer}

	s := NewStore(repo, activity.NewMemoryLog(10))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	history, err := s.Deferrals(c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 || history[0].Reason != "second" || history[1].Reason != "first" {
		t.Errorf("expected newest first, got %+v", history)
	}
}

func TestStore_OpenFailure(t *testing.T) {
	repo := newMockCaseRepo()
	repo.failList = errDBDown
	s := NewStore(repo, activity.NewMemoryLog(10))
	if err := s.Open(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}

func TestStore_MergesRemoteChanges(t *testing.T) {
	feed := newChanFeed()
	s, repo, log := newTestStore(t, WithChangeFeed(feed))
	events, cancel := s.Subscribe()
	defer cancel()

	remote := newTestCase()
	remote.PatientName = "Remote Patient"
	repo.put(remote)
	feed.ch <- RemoteChange{Table: TableCases, Op: ChangeInsert, ID: remote.ID}

	ev := nextEvent(t, events)
	if ev.Type != ChangeInsert || !ev.Remote {
		t.Errorf("expected remote insert, got %+v", ev)
	}
	if got := mustGet(t, s, remote.ID); got.PatientName != "Remote Patient" {
		t.Errorf("expected merged case, got %+v", got)
	}

	remote.Status = StatusCompleted
	repo.put(remote)
	feed.ch <- RemoteChange{Table: TableCases, Op: ChangeUpdate, ID: remote.ID}
	if ev = nextEvent(t, events); ev.Type != ChangeUpdate || ev.Case.Status != StatusCompleted {
		t.Errorf("expected completed update, got %+v", ev)
	}

	_, _ = repo.AddDeferral(context.Background(), &DeferralEntry{CaseID: remote.ID, Reason: "remote deferral"})
	feed.ch <- RemoteChange{Table: TableDeferrals, Op: ChangeInsert, ID: uuid.New(), CaseID: remote.ID}
	if ev = nextEvent(t, events); len(ev.Case.DeferralHistory) != 1 {
		t.Errorf("expected refreshed deferral history, got %+v", ev.Case.DeferralHistory)
	}

	if err := repo.Delete(context.Background(), remote.ID); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	feed.ch <- RemoteChange{Table: TableCases, Op: ChangeDelete, ID: remote.ID}
	if ev = nextEvent(t, events); ev.Type != ChangeDelete {
		t.Errorf("expected delete, got %+v", ev)
	}
	if _, err := s.Get(remote.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if n := len(recentActivity(t, log)); n != 0 {
		t.Errorf("remote changes are not logged locally, got %d entries", n)
	}
}

// Changes committed while the feed was disconnected reach memory through the
// resync that follows the reconnect.
func TestStore_ResyncAfterMissedChanges(t *testing.T) {
	feed := newChanFeed()
	s, repo, _ := newTestStore(t, WithChangeFeed(feed))
	edited := mustCreate(t, s)
	removed := mustCreate(t, s)
	untouched := mustCreate(t, s)

	events, cancel := s.Subscribe()
	defer cancel()

	// Written by another client with no notification delivered.
	row := edited.Clone()
	row.Status = StatusCompleted
	repo.put(row)
	added := newTestCase()
	added.PatientName = "Walk-in Patient"
	repo.put(added)
	if err := repo.Delete(context.Background(), removed.ID); err != nil {
		t.Fatalf("delete row: %v", err)
	}

	feed.ch <- RemoteChange{Op: ChangeResync}

	got := map[uuid.UUID]ChangeType{}
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, events)
		if !ev.Remote {
			t.Errorf("expected remote event, got %+v", ev)
		}
		got[ev.CaseID] = ev.Type
	}
	want := map[uuid.UUID]ChangeType{
		edited.ID:  ChangeUpdate,
		added.ID:   ChangeInsert,
		removed.ID: ChangeDelete,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("resync events = %v, want %v", got, want)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if c := mustGet(t, s, edited.ID); c.Status != StatusCompleted {
		t.Errorf("expected edited case completed, got %s", c.Status)
	}
	if c := mustGet(t, s, added.ID); c.PatientName != "Walk-in Patient" {
		t.Errorf("expected added case loaded, got %+v", c)
	}
	if _, err := s.Get(removed.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected removed case gone, got %v", err)
	}
	if c := mustGet(t, s, untouched.ID); !reflect.DeepEqual(c, untouched) {
		t.Errorf("untouched case changed: %+v", c)
	}
	if n := len(s.List()); n != 3 {
		t.Errorf("expected 3 cases after resync, got %d", n)
	}
}

func TestStore_IgnoresEchoOfOwnWrites(t *testing.T) {
	feed := newChanFeed()
	s, repo, _ := newTestStore(t, WithChangeFeed(feed))
	c := mustCreate(t, s)

	events, cancel := s.Subscribe()
	defer cancel()

	feed.ch <- RemoteChange{Table: TableCases, Op: ChangeInsert, ID: c.ID}

	other := newTestCase()
	repo.put(other)
	feed.ch <- RemoteChange{Table: TableCases, Op: ChangeInsert, ID: other.ID}

	if ev := nextEvent(t, events); ev.CaseID != other.ID {
		t.Errorf("echo of a local write should not be re-published, got %+v", ev)
	}
}

func TestStore_SubscribeCancel(t *testing.T) {
	s, _, _ := newTestStore(t)
	events, cancel := s.Subscribe()
	cancel()
	cancel()

	if _, ok := <-events; ok {
		t.Error("expected closed channel")
	}
	if _, err := s.Create(context.Background(), newTestInput()); err != nil {
		t.Errorf("create after unsubscribe: %v", err)
	}
}

func TestStore_Summary(t *testing.T) {
	s, _, _ := newTestStore(t)
	for _, date := range []string{"2026-03-02", "2026-03-03", "2026-04-01"} {
		in := newTestInput()
		in.Date = date
		if _, err := s.Create(context.Background(), in); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	sum := s.Summary("2026-03-01", "2026-03-31")
	if sum.Total != 2 || sum.ByStatus[StatusScheduled] != 2 {
		t.Errorf("expected 2 scheduled in March, got total=%d scheduled=%d", sum.Total, sum.ByStatus[StatusScheduled])
	}
}
