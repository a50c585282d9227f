package selector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giygas/mediract/backend"
	"github.com/giygas/mediract/medication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkCall struct {
	med     medication.Candidate
	current []medication.Candidate
}

type fakeFetcher struct {
	mu       sync.Mutex
	searches []string
	checks   []checkCall

	search func(ctx context.Context, query string) ([]medication.Candidate, error)
	check  func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error)
}

func (f *fakeFetcher) SearchMedications(ctx context.Context, query string) ([]medication.Candidate, error) {
	f.mu.Lock()
	f.searches = append(f.searches, query)
	f.mu.Unlock()
	if f.search == nil {
		return []medication.Candidate{}, nil
	}
	return f.search(ctx, query)
}

func (f *fakeFetcher) CheckInteractions(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
	f.mu.Lock()
	f.checks = append(f.checks, checkCall{med: med, current: current})
	f.mu.Unlock()
	if f.check == nil {
		return &medication.InteractionResponse{Interactions: []medication.InteractionRecord{}}, nil
	}
	return f.check(ctx, med, current)
}

func (f *fakeFetcher) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *fakeFetcher) checkCalls() []checkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkCall(nil), f.checks...)
}

func names(list []medication.Candidate) []string {
	return medication.Names(list)
}

func selectAll(t *testing.T, p *Page, meds ...medication.Candidate) {
	t.Helper()
	for _, m := range meds {
		require.NoError(t, p.Select(context.Background(), m))
	}
}

func TestInitialState(t *testing.T) {
	p := NewPage(&fakeFetcher{})
	snap := p.Snapshot()

	assert.Empty(t, snap.Input)
	assert.Empty(t, snap.Suggestions)
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Interactions)
	assert.Empty(t, snap.Error)
}

func TestTypeEmptyClearsSuggestionsWithoutFetch(t *testing.T) {
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		return []medication.Candidate{medication.FromText("Aspirin (OTC)")}, nil
	}}
	p := NewPage(f)

	require.NoError(t, p.Type(context.Background(), "asp"))
	require.Len(t, p.Snapshot().Suggestions, 1)

	require.NoError(t, p.Type(context.Background(), ""))
	snap := p.Snapshot()
	assert.Empty(t, snap.Suggestions)
	assert.Empty(t, snap.Input)
	assert.Equal(t, 1, f.searchCount())
}

func TestTypeReplacesSuggestionsExactly(t *testing.T) {
	results := map[string][]medication.Candidate{
		"a":   {medication.FromText("Aspirin (OTC)"), medication.FromText("Acetaminophen (OTC)")},
		"asp": {medication.FromText("Aspirin (OTC)")},
		"zzz": {},
	}
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		return results[query], nil
	}}
	p := NewPage(f)

	for _, query := range []string{"a", "asp", "zzz"} {
		require.NoError(t, p.Type(context.Background(), query))
		snap := p.Snapshot()
		assert.Equal(t, query, snap.Input)
		assert.Equal(t, names(results[query]), names(snap.Suggestions), "query %q", query)
	}
}

func TestTypeSelectScenario(t *testing.T) {
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		return []medication.Candidate{medication.FromText("Ibuprofen (OTC)")}, nil
	}}
	p := NewPage(f)

	require.NoError(t, p.Type(context.Background(), "ibu"))
	snap := p.Snapshot()
	require.Len(t, snap.Suggestions, 1)
	assert.Equal(t, "Ibuprofen (OTC)", snap.Suggestions[0].DisplayName())

	require.NoError(t, p.Select(context.Background(), snap.Suggestions[0]))

	snap = p.Snapshot()
	assert.Equal(t, []string{"Ibuprofen"}, names(snap.Selection))
	assert.Empty(t, snap.Input)
	assert.Empty(t, snap.Suggestions)
	require.NotNil(t, snap.Interactions)

	calls := f.checkCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Ibuprofen", calls[0].med.Name)
	assert.Empty(t, calls[0].current)
}

func TestSelectChecksAgainstCurrentSelection(t *testing.T) {
	report := &medication.InteractionResponse{Interactions: []medication.InteractionRecord{
		{Medication1: "warfarin", Medication2: "aspirin", Interaction: "Increased bleeding risk."},
	}}
	f := &fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		if med.Name == "Aspirin" {
			return report, nil
		}
		return &medication.InteractionResponse{}, nil
	}}
	p := NewPage(f)

	selectAll(t, p, medication.New("Warfarin", ""), medication.New("Aspirin", ""))

	calls := f.checkCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"Warfarin"}, names(calls[1].current))

	snap := p.Snapshot()
	assert.Equal(t, []string{"Warfarin", "Aspirin"}, names(snap.Selection))
	assert.Equal(t, report.Interactions, snap.Interactions.Interactions)
}

func TestSelectDuplicateIsNoOp(t *testing.T) {
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		return []medication.Candidate{medication.FromText("Aspirin (OTC)")}, nil
	}}
	p := NewPage(f)
	selectAll(t, p, medication.New("Aspirin", ""))

	require.NoError(t, p.Type(context.Background(), "asp"))
	require.NoError(t, p.Select(context.Background(), p.Snapshot().Suggestions[0]))

	snap := p.Snapshot()
	assert.Equal(t, []string{"Aspirin"}, names(snap.Selection))
	assert.Empty(t, snap.Input)
	assert.Empty(t, snap.Suggestions)
	assert.Len(t, f.checkCalls(), 1)
}

func TestSelectDuplicateByIdentifier(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p, medication.New("Advil", "343"), medication.New("Ibuprofen", "343"))

	assert.Equal(t, []string{"Advil"}, names(p.Snapshot().Selection))
	assert.Len(t, f.checkCalls(), 1)
}

func TestSelectVariantsWithInnerParenthetical(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p,
		medication.FromText("Vitamin A (as palmitate) (11111)"),
		medication.FromText("Vitamin A (as acetate) (22222)"))

	assert.Equal(t, []string{"Vitamin A (as palmitate)", "Vitamin A (as acetate)"}, names(p.Snapshot().Selection))
	assert.Len(t, f.checkCalls(), 2)
}

func TestSelectFailureLeavesSelectionUnchanged(t *testing.T) {
	fail := false
	f := &fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		if fail {
			return nil, &backend.APIError{Endpoint: "/check-interactions", StatusCode: 400, Detail: "RxCUI not found for medication: Foo"}
		}
		return &medication.InteractionResponse{Interactions: []medication.InteractionRecord{}}, nil
	}}
	p := NewPage(f)
	selectAll(t, p, medication.New("Aspirin", ""))
	before := p.Snapshot().Interactions

	fail = true
	require.NoError(t, p.Type(context.Background(), "foo"))
	err := p.Select(context.Background(), medication.New("Foo", ""))
	require.Error(t, err)

	snap := p.Snapshot()
	assert.Equal(t, []string{"Aspirin"}, names(snap.Selection))
	assert.Equal(t, before, snap.Interactions)
	assert.Empty(t, snap.Input)
	assert.Empty(t, snap.Suggestions)
	assert.Equal(t, "RxCUI not found for medication: Foo", snap.Error)

	// the next successful action clears the banner
	fail = false
	require.NoError(t, p.Select(context.Background(), medication.New("Ibuprofen", "")))
	assert.Empty(t, p.Snapshot().Error)
}

func TestRemoveLastClearsReportWithoutFetch(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p, medication.New("Aspirin", ""))
	require.NotNil(t, p.Snapshot().Interactions)

	require.NoError(t, p.Remove(context.Background(), medication.New("Aspirin", "")))

	snap := p.Snapshot()
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Interactions)
	assert.Len(t, f.checkCalls(), 1)
}

func TestRemoveFirstUsesNewFirstAsPivot(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p, medication.New("A", ""), medication.New("B", ""))

	require.NoError(t, p.Remove(context.Background(), medication.New("A", "")))

	calls := f.checkCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "B", calls[2].med.Name)
	assert.Empty(t, calls[2].current)
	assert.Equal(t, []string{"B"}, names(p.Snapshot().Selection))
}

func TestRemoveMiddleKeepsOrder(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p, medication.New("A", ""), medication.New("B", ""), medication.New("C", ""))

	require.NoError(t, p.Remove(context.Background(), medication.New("B", "")))

	calls := f.checkCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, "A", last.med.Name)
	assert.Equal(t, []string{"C"}, names(last.current))
	assert.Equal(t, []string{"A", "C"}, names(p.Snapshot().Selection))
}

func TestRemoveUnknownIsNoOp(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPage(f)
	selectAll(t, p, medication.New("A", ""))

	require.NoError(t, p.Remove(context.Background(), medication.New("Z", "")))
	assert.Equal(t, []string{"A"}, names(p.Snapshot().Selection))
	assert.Len(t, f.checkCalls(), 1)
}

func TestRemoveFailureKeepsStaleReport(t *testing.T) {
	stale := &medication.InteractionResponse{Interactions: []medication.InteractionRecord{
		{Medication1: "a", Medication2: "b", Interaction: "x"},
	}}
	var fail bool
	f := &fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return stale, nil
	}}
	p := NewPage(f)
	selectAll(t, p, medication.New("A", ""), medication.New("B", ""), medication.New("C", ""))

	fail = true
	require.Error(t, p.Remove(context.Background(), medication.New("C", "")))

	snap := p.Snapshot()
	assert.Equal(t, []string{"A", "B"}, names(snap.Selection))
	assert.Equal(t, stale.Interactions, snap.Interactions.Interactions)
	assert.Equal(t, msgUnavailable, snap.Error)
}

func TestClear(t *testing.T) {
	p := NewPage(&fakeFetcher{})
	selectAll(t, p, medication.New("A", ""), medication.New("B", ""))

	p.Clear()
	snap := p.Snapshot()
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Interactions)

	// clearing twice is harmless
	p.Clear()
	assert.Empty(t, p.Snapshot().Selection)
}

func TestSlowEarlierSearchDoesNotOverwriteLaterOne(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		if query == "a" {
			// ignores cancellation, like a backend that answers anyway
			<-release
			return []medication.Candidate{medication.FromText("Acetaminophen (OTC)")}, nil
		}
		return []medication.Candidate{medication.FromText("Aspirin (OTC)")}, nil
	}}
	p := NewPage(f)

	done := make(chan error, 1)
	go func() { done <- p.Type(context.Background(), "a") }()
	require.Eventually(t, func() bool { return f.searchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Type(context.Background(), "as"))
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	snap := p.Snapshot()
	assert.Equal(t, "as", snap.Input)
	assert.Equal(t, []string{"Aspirin"}, names(snap.Suggestions))
}

func TestNewSearchCancelsRunningOne(t *testing.T) {
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		if query == "a" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []medication.Candidate{}, nil
	}}
	p := NewPage(f)

	done := make(chan error, 1)
	go func() { done <- p.Type(context.Background(), "a") }()
	require.Eventually(t, func() bool { return f.searchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Type(context.Background(), ""))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("running search was not cancelled")
	}
	assert.Empty(t, p.Snapshot().Error)
}

func TestSelectDropsPendingSuggestions(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		<-release
		return []medication.Candidate{medication.FromText("Aspirin (OTC)")}, nil
	}}
	p := NewPage(f)

	done := make(chan error, 1)
	go func() { done <- p.Type(context.Background(), "asp") }()
	require.Eventually(t, func() bool { return f.searchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Select(context.Background(), medication.New("Aspirin", "")))
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Empty(t, p.Snapshot().Suggestions)
}

func TestClearDiscardsRunningCheck(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		close(started)
		<-release
		return &medication.InteractionResponse{}, nil
	}}
	p := NewPage(f)

	done := make(chan error, 1)
	go func() { done <- p.Select(context.Background(), medication.New("Aspirin", "")) }()
	<-started

	p.Clear()
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	snap := p.Snapshot()
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Interactions)
}

// blockingCheck holds the first check of one medication until released and
// answers every check with a record naming the pivot and its context
func blockingCheck(hold string, started chan<- struct{}, release <-chan struct{}) func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
	var once sync.Once
	return func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		if med.Name == hold {
			held := false
			once.Do(func() { held = true })
			if held {
				close(started)
				<-release
			}
		}
		return &medication.InteractionResponse{Interactions: []medication.InteractionRecord{
			{Medication1: med.Name, Medication2: strings.Join(names(current), ","), Interaction: "checked"},
		}}, nil
	}
}

func TestOverlappingSelectsCheckEachOther(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{}
	f.check = blockingCheck("A", started, release)
	p := NewPage(f)

	first := make(chan error, 1)
	go func() { first <- p.Select(context.Background(), medication.New("A", "")) }()
	<-started

	second := make(chan error, 1)
	go func() { second <- p.Select(context.Background(), medication.New("B", "")) }()

	// B waits for A's check instead of running against the same selection
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.checkCalls(), 1)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	calls := f.checkCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "B", calls[1].med.Name)
	assert.Equal(t, []string{"A"}, names(calls[1].current))

	snap := p.Snapshot()
	assert.Equal(t, []string{"A", "B"}, names(snap.Selection))
	require.Equal(t, 1, snap.Interactions.Count())
	assert.Equal(t, "B", snap.Interactions.Interactions[0].Medication1)
	assert.Equal(t, "A", snap.Interactions.Interactions[0].Medication2)
}

func TestRemoveDuringSelectRechecksWholeSelection(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{}
	f.check = blockingCheck("C", started, release)
	p := NewPage(f)
	selectAll(t, p, medication.New("X", ""), medication.New("Y", ""))

	selected := make(chan error, 1)
	go func() { selected <- p.Select(context.Background(), medication.New("C", "")) }()
	<-started

	removed := make(chan error, 1)
	go func() { removed <- p.Remove(context.Background(), medication.New("X", "")) }()
	require.Eventually(t, func() bool {
		return len(p.Snapshot().Selection) == 1
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-selected)
	require.NoError(t, <-removed)

	calls := f.checkCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, "Y", last.med.Name)
	assert.Equal(t, []string{"C"}, names(last.current))

	snap := p.Snapshot()
	assert.Equal(t, []string{"Y", "C"}, names(snap.Selection))
	require.Equal(t, 1, snap.Interactions.Count())
	assert.Equal(t, "Y", snap.Interactions.Interactions[0].Medication1)
	assert.Equal(t, "C", snap.Interactions.Interactions[0].Medication2)
}

func TestRemoveLastDuringSelect(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{}
	f.check = blockingCheck("C", started, release)
	p := NewPage(f)
	selectAll(t, p, medication.New("X", ""))

	selected := make(chan error, 1)
	go func() { selected <- p.Select(context.Background(), medication.New("C", "")) }()
	<-started

	removed := make(chan error, 1)
	go func() { removed <- p.Remove(context.Background(), medication.New("X", "")) }()

	// the report goes away as soon as the selection is empty
	require.Eventually(t, func() bool {
		snap := p.Snapshot()
		return len(snap.Selection) == 0 && snap.Interactions == nil
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-selected)
	require.NoError(t, <-removed)

	calls := f.checkCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, "C", last.med.Name)
	assert.Empty(t, last.current)

	snap := p.Snapshot()
	assert.Equal(t, []string{"C"}, names(snap.Selection))
	require.Equal(t, 1, snap.Interactions.Count())
	assert.Equal(t, "C", snap.Interactions.Interactions[0].Medication1)
	assert.Empty(t, snap.Interactions.Interactions[0].Medication2)
}

func TestSelectWaitingForCheckHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{}
	f.check = blockingCheck("A", started, release)
	p := NewPage(f)

	first := make(chan error, 1)
	go func() { first <- p.Select(context.Background(), medication.New("A", "")) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Select(ctx, medication.New("B", "")), context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, []string{"A"}, names(p.Snapshot().Selection))
	assert.Len(t, f.checkCalls(), 1)
}

func TestCancelledCallerLeavesNoError(t *testing.T) {
	f := &fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		return nil, ctx.Err()
	}}
	p := NewPage(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, p.Select(ctx, medication.New("A", "")))
	assert.Empty(t, p.Snapshot().Error)
}

func TestDismissError(t *testing.T) {
	f := &fakeFetcher{search: func(ctx context.Context, query string) ([]medication.Candidate, error) {
		return nil, context.DeadlineExceeded
	}}
	p := NewPage(f)

	require.Error(t, p.Type(context.Background(), "asp"))
	assert.Equal(t, msgTimeout, p.Snapshot().Error)

	p.DismissError()
	assert.Empty(t, p.Snapshot().Error)
}

func TestSnapshotIsACopy(t *testing.T) {
	p := NewPage(&fakeFetcher{check: func(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
		return &medication.InteractionResponse{Interactions: []medication.InteractionRecord{{Medication1: "a"}}}, nil
	}})
	selectAll(t, p, medication.New("A", ""))

	snap := p.Snapshot()
	snap.Selection[0].Name = "changed"
	snap.Interactions.Interactions[0].Medication1 = "changed"

	again := p.Snapshot()
	assert.Equal(t, "A", again.Selection[0].Name)
	assert.Equal(t, "a", again.Interactions.Interactions[0].Medication1)
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	p := NewPage(&fakeFetcher{})
	updates, unsubscribe := p.Subscribe()

	selectAll(t, p, medication.New("A", ""), medication.New("B", ""))

	// only the newest snapshot is buffered
	snap := <-updates
	assert.Equal(t, []string{"A", "B"}, names(snap.Selection))
	assert.Equal(t, p.Snapshot().Version, snap.Version)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	p := NewPage(&fakeFetcher{})
	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()

	p.Close()
	_, open := <-updates
	assert.False(t, open)

	late, _ := p.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
