// Package transcript assembles streaming transcription deltas into an ordered
// conversation log.
//
// Realtime providers emit partial transcription text for both directions of a
// conversation: fragments of what the user said and fragments of what the
// model replied, interleaved in arrival order. The [Assembler] merges those
// fragments into per-turn accumulators and finalises them into [Turn] values
// on the provider's turn boundary signal.
//
// All methods are safe for concurrent use.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Turn is one completed conversational exchange: what the user said and what
// the model answered.
type Turn struct {
	// User is the merged user-side transcription. May be empty when the turn
	// was initiated by injected text or when transcription was unavailable.
	User string

	// Model is the merged model-side transcription.
	Model string

	// CompletedAt is when the turn boundary was observed.
	CompletedAt time.Time

	// Synthetic marks turns the engine injected itself, such as the summary
	// note recorded after a context compaction. Synthetic turns never count
	// toward the compaction threshold.
	Synthetic bool
}

// Assembler merges transcription deltas into completed turns.
type Assembler struct {
	mu sync.Mutex

	pendingUser  strings.Builder
	pendingModel strings.Builder

	turns []Turn

	// onTurn, if set, is invoked after a turn is appended to the log. Called
	// without the assembler lock held.
	onTurn func(Turn)

	now func() time.Time
}

// Option is a functional option for configuring an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// New creates an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnTurn registers a callback invoked after each completed turn is appended.
// Must be called before deltas start flowing.
func (a *Assembler) OnTurn(fn func(Turn)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTurn = fn
}

// AddUserDelta appends a fragment of user-side transcription to the pending
// turn.
func (a *Assembler) AddUserDelta(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUser.WriteString(text)
}

// AddModelDelta appends a fragment of model-side transcription to the pending
// turn.
func (a *Assembler) AddModelDelta(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingModel.WriteString(text)
}

// CompleteTurn finalises the pending accumulators into a Turn and appends it
// to the log. A boundary with nothing accumulated is a no-op, which makes
// duplicate turn-complete signals harmless. Returns the appended turn and
// whether one was produced.
func (a *Assembler) CompleteTurn() (Turn, bool) {
	a.mu.Lock()
	user := strings.TrimSpace(a.pendingUser.String())
	model := strings.TrimSpace(a.pendingModel.String())
	if user == "" && model == "" {
		a.mu.Unlock()
		return Turn{}, false
	}
	a.pendingUser.Reset()
	a.pendingModel.Reset()

	turn := Turn{User: user, Model: model, CompletedAt: a.now()}
	a.turns = append(a.turns, turn)
	fn := a.onTurn
	a.mu.Unlock()

	if fn != nil {
		fn(turn)
	}
	return turn, true
}

// AppendSynthetic records an engine-generated turn directly in the log,
// bypassing the pending accumulators. Used for the summary note after a
// context compaction. Synthetic turns do not fire the OnTurn callback.
func (a *Assembler) AppendSynthetic(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, Turn{
		Model:       model,
		CompletedAt: a.now(),
		Synthetic:   true,
	})
}

// DiscardPending drops any partially accumulated deltas without producing a
// turn. Called when a session ends mid-turn.
func (a *Assembler) DiscardPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUser.Reset()
	a.pendingModel.Reset()
}

// Log returns a snapshot of all completed turns in order.
func (a *Assembler) Log() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len returns the number of completed turns in the log.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// Reset clears the log and any pending deltas. Called when a compaction
// replaces the conversation context.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
	a.pendingUser.Reset()
	a.pendingModel.Reset()
}
