// Package selector holds the state of one medication selector page: the
// committed input, the suggestion dropdown, the ordered selection and the
// latest interaction report.
//
// A Page never holds its lock across a backend call. Searches record the
// sequence they belong to and are dropped if a newer keystroke replaced them.
// Interaction checks run one at a time per page, each against the selection
// as it is when the check starts, so a report always covers every selected
// pair.
package selector

import (
	"context"
	"errors"
	"sync"

	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/medication"
	"github.com/giygas/mediract/metrics"
)

// ErrSuperseded is returned when a newer action replaced the result of this one
var ErrSuperseded = errors.New("result superseded by a newer action")

const (
	msgUnavailable = "Could not reach the medication service. Please try again."
	msgTimeout     = "The medication service took too long to respond. Please try again."
)

// Fetcher is the backend the page talks to
type Fetcher interface {
	SearchMedications(ctx context.Context, query string) ([]medication.Candidate, error)
	CheckInteractions(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error)
}

// Snapshot is a copy of the page state, safe to keep and render
type Snapshot struct {
	Version      uint64                         `json:"version"`
	Input        string                         `json:"input"`
	Suggestions  []medication.Candidate         `json:"suggestions"`
	Selection    []medication.Candidate         `json:"selection"`
	Interactions *medication.InteractionResponse `json:"interactions"`
	Error        string                         `json:"error,omitempty"`
}

// Page is the state machine behind one browser session
type Page struct {
	fetcher Fetcher

	mu           sync.Mutex
	version      uint64
	input        string
	suggestions  []medication.Candidate
	selection    []medication.Candidate
	interactions *medication.InteractionResponse
	errMsg       string

	searchSeq    uint64
	cancelSearch context.CancelFunc

	// holds one token while an interaction check runs
	checking chan struct{}
	epoch    uint64

	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

// NewPage creates an empty page backed by fetcher
func NewPage(fetcher Fetcher) *Page {
	return &Page{
		fetcher:  fetcher,
		checking: make(chan struct{}, 1),
		subs:     make(map[int]chan Snapshot),
	}
}

// Type commits the input text. An empty text clears the suggestions without
// a fetch; anything else replaces them with the backend's answer. A search
// still running from an earlier keystroke is cancelled, and if its answer
// arrives anyway it is dropped with ErrSuperseded.
func (p *Page) Type(ctx context.Context, text string) error {
	p.mu.Lock()
	p.input = text
	p.stopSearchLocked()

	if text == "" {
		p.suggestions = nil
		p.changedLocked()
		p.mu.Unlock()
		return nil
	}

	searchCtx, cancel := context.WithCancel(ctx)
	p.cancelSearch = cancel
	seq := p.searchSeq
	p.changedLocked()
	p.mu.Unlock()

	suggestions, err := p.fetcher.SearchMedications(searchCtx, text)

	p.mu.Lock()
	defer p.mu.Unlock()

	if seq != p.searchSeq {
		metrics.SuggestionSearchesSuperseded.Inc()
		return ErrSuperseded
	}
	p.cancelSearch = nil
	cancel()

	if err != nil {
		p.failLocked(ctx, "Suggestion search failed", err, "query", text)
		return err
	}

	p.suggestions = suggestions
	p.errMsg = ""
	p.changedLocked()
	return nil
}

// Select adds c to the selection after checking it against the current
// selection. A candidate already selected is a no-op. The input and the
// suggestions are cleared whatever the outcome.
func (p *Page) Select(ctx context.Context, c medication.Candidate) error {
	p.mu.Lock()
	p.input = ""
	p.suggestions = nil
	p.stopSearchLocked()
	duplicate := medication.IndexOf(p.selection, c) >= 0
	epoch := p.epoch
	p.changedLocked()
	p.mu.Unlock()

	if duplicate {
		return nil
	}

	if err := p.acquireCheck(ctx); err != nil {
		return err
	}
	defer p.releaseCheck()

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return ErrSuperseded
	}
	// the same medication may have been added while this one waited
	if medication.IndexOf(p.selection, c) >= 0 {
		p.mu.Unlock()
		return nil
	}
	current := cloneCandidates(p.selection)
	p.mu.Unlock()

	resp, err := p.fetcher.CheckInteractions(ctx, c, current)

	p.mu.Lock()
	defer p.mu.Unlock()

	if epoch != p.epoch {
		return ErrSuperseded
	}
	if err != nil {
		p.failLocked(ctx, "Interaction check failed", err, "medication", c.String())
		return err
	}

	// A removal during the check queued its own re-check, which covers the
	// selection with c in it.
	if sameSelection(p.selection, current) {
		p.interactions = resp.Clone()
	}
	p.selection = append(p.selection, c)
	p.errMsg = ""
	p.changedLocked()
	return nil
}

// Remove drops c from the selection. When medications remain, the first one
// is re-checked against the rest and the report is replaced on success; a
// failed re-check keeps the previous report. When nothing remains the report
// is cleared without a fetch.
func (p *Page) Remove(ctx context.Context, c medication.Candidate) error {
	p.mu.Lock()
	idx := medication.IndexOf(p.selection, c)
	if idx < 0 {
		p.mu.Unlock()
		return nil
	}

	remaining := make([]medication.Candidate, 0, len(p.selection)-1)
	remaining = append(remaining, p.selection[:idx]...)
	remaining = append(remaining, p.selection[idx+1:]...)
	p.selection = remaining
	if len(remaining) == 0 {
		p.interactions = nil
	}
	epoch := p.epoch
	p.changedLocked()
	p.mu.Unlock()

	if err := p.acquireCheck(ctx); err != nil {
		return err
	}
	defer p.releaseCheck()

	// re-check whatever is selected now, a select may have landed meanwhile
	p.mu.Lock()
	if epoch != p.epoch || len(p.selection) == 0 {
		p.mu.Unlock()
		return nil
	}
	checked := cloneCandidates(p.selection)
	p.mu.Unlock()

	pivot, rest := checked[0], checked[1:]
	resp, err := p.fetcher.CheckInteractions(ctx, pivot, rest)

	p.mu.Lock()
	defer p.mu.Unlock()

	if epoch != p.epoch || !sameSelection(p.selection, checked) {
		return ErrSuperseded
	}
	if err != nil {
		p.failLocked(ctx, "Interaction re-check failed", err, "pivot", pivot.String())
		return err
	}

	p.interactions = resp.Clone()
	p.errMsg = ""
	p.changedLocked()
	return nil
}

// acquireCheck waits for the page's check slot. Checks run one at a time so
// every report is computed against a selection that includes all earlier
// additions.
func (p *Page) acquireCheck(ctx context.Context) error {
	select {
	case p.checking <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Page) releaseCheck() {
	<-p.checking
}

// Clear empties the selection and drops the interaction report. Checks still
// running are discarded when they finish.
func (p *Page) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.selection = nil
	p.interactions = nil
	p.errMsg = ""
	p.epoch++
	p.changedLocked()
}

// DismissError hides the current error banner
func (p *Page) DismissError() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.errMsg == "" {
		return
	}
	p.errMsg = ""
	p.changedLocked()
}

// Snapshot returns a copy of the current state
func (p *Page) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only see the newest one. The returned func
// unsubscribes and closes the channel.
func (p *Page) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}
}

// Close cancels any running search and ends all subscriptions
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopSearchLocked()
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// stopSearchLocked invalidates the running search, if any
func (p *Page) stopSearchLocked() {
	p.searchSeq++
	if p.cancelSearch != nil {
		p.cancelSearch()
		p.cancelSearch = nil
	}
}

func (p *Page) failLocked(ctx context.Context, msg string, err error, args ...any) {
	// the caller went away, nobody is left to show the message to
	if ctx.Err() != nil {
		return
	}
	logging.Warn(msg, append(args, "error", err)...)
	p.errMsg = userMessage(err)
	p.changedLocked()
}

func (p *Page) changedLocked() {
	p.version++
	snap := p.snapshotLocked()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (p *Page) snapshotLocked() Snapshot {
	return Snapshot{
		Version:      p.version,
		Input:        p.input,
		Suggestions:  cloneCandidates(p.suggestions),
		Selection:    cloneCandidates(p.selection),
		Interactions: p.interactions.Clone(),
		Error:        p.errMsg,
	}
}

func sameSelection(a, b []medication.Candidate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Same(b[i]) {
			return false
		}
	}
	return true
}

func cloneCandidates(list []medication.Candidate) []medication.Candidate {
	if list == nil {
		return nil
	}
	return append([]medication.Candidate(nil), list...)
}

func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimeout
	}
	return msgUnavailable
}
