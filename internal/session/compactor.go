package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/transcript"
)

// defaultCompactionThreshold is the number of completed turns that triggers a
// compaction cycle.
const defaultCompactionThreshold = 10

// CompactionResult describes one finished compaction cycle.
type CompactionResult struct {
	// Turns is the transcript snapshot that was compacted.
	Turns []transcript.Turn

	// Summary is the carry-over summary, or empty when summarisation failed.
	Summary string

	// Err is non-nil when the cycle degraded: summarisation failed (the
	// session restarted with its original context) or the restart itself
	// failed.
	Err error

	// Duration is the wall-clock time of the whole cycle, including the
	// session downtime.
	Duration time.Duration
}

// CompactorConfig configures a [Compactor].
type CompactorConfig struct {
	// Manager is the session whose context is compacted. Required.
	Manager *Manager

	// Transcript is the assembler holding the turn log. Required.
	Transcript *transcript.Assembler

	// Summariser condenses the turn log on each cycle. Required.
	Summariser Summariser

	// Threshold is the completed-turn count that triggers a cycle. Defaults
	// to 10 if zero. Synthetic turns never count toward the threshold, so a
	// carried-over summary cannot re-trigger compaction by itself.
	Threshold int

	// OnCompacted, if non-nil, observes every finished cycle. It runs on the
	// compaction goroutine and must not block the next cycle indefinitely.
	OnCompacted func(CompactionResult)
}

// Compactor watches completed turns and periodically performs a hot restart
// of the session: it snapshots the transcript, stops the channel voluntarily,
// summarises the conversation and restarts with the summary folded into the
// instructions. At most one cycle runs at a time; turn completions during a
// cycle queue up against the next threshold.
//
// All methods are safe for concurrent use.
type Compactor struct {
	mgr         *Manager
	asm         *transcript.Assembler
	summariser  Summariser
	threshold   int
	onCompacted func(CompactionResult)

	mu         sync.Mutex
	ctx        context.Context
	base       StartParams
	active     bool
	turns      int
	compacting bool
	wg         sync.WaitGroup
}

// NewCompactor creates a Compactor from cfg.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Manager == nil || cfg.Transcript == nil || cfg.Summariser == nil {
		return nil, fmt.Errorf("session: compactor config requires Manager, Transcript and Summariser")
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultCompactionThreshold
	}
	return &Compactor{
		mgr:         cfg.Manager,
		asm:         cfg.Transcript,
		summariser:  cfg.Summariser,
		threshold:   threshold,
		onCompacted: cfg.OnCompacted,
	}, nil
}

// Activate arms the compactor for a newly started session. base must be the
// params the session was started with; restarts derive from it. The turn
// counter resets to zero.
func (c *Compactor) Activate(ctx context.Context, base StartParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.base = base
	c.active = true
	c.turns = 0
}

// Deactivate disarms the compactor and waits for an in-flight cycle to
// finish, so a caller about to stop the session cannot race a hot restart.
func (c *Compactor) Deactivate() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	c.wg.Wait()
}

// NoteTurn records one completed turn and starts a compaction cycle when the
// threshold is reached. Intended as (part of) the assembler's turn callback.
func (c *Compactor) NoteTurn(turn transcript.Turn) {
	if turn.Synthetic {
		return
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.turns++
	if c.turns < c.threshold || c.compacting {
		c.mu.Unlock()
		return
	}
	c.compacting = true
	c.turns = 0
	ctx := c.ctx
	base := c.base
	c.mu.Unlock()

	c.wg.Add(1)
	go c.cycle(ctx, base)
}

// cycle runs one compaction: snapshot, voluntary stop, summarise, restart.
// Runs on its own goroutine so the session event loop it was triggered from
// can drain to completion during Stop.
func (c *Compactor) cycle(ctx context.Context, base StartParams) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	start := time.Now()
	result := CompactionResult{}

	if err := c.mgr.Stop(); err != nil {
		result.Err = fmt.Errorf("session: compaction stop: %w", err)
		result.Duration = time.Since(start)
		slog.Error("compaction aborted", "error", result.Err)
		c.report(result)
		return
	}

	// Snapshot only after the channel has quiesced, so a turn completing
	// during shutdown is not lost to the post-restart reset.
	turns := c.asm.Log()
	result.Turns = turns
	slog.Info("compacting session context", "turns", len(turns))

	summary, sumErr := c.summariser.Summarise(ctx, turns)
	params := base
	switch {
	case sumErr != nil:
		// Degraded cycle: restart with the original context rather than
		// leaving the session down.
		slog.Warn("summarisation failed, restarting with original context", "error", sumErr)
		result.Err = sumErr
	case summary != "":
		params.Instructions = foldSummary(base.Instructions, summary)
		result.Summary = summary
	}

	if err := c.mgr.Start(ctx, params); err != nil {
		result.Err = fmt.Errorf("session: compaction restart: %w", err)
		result.Duration = time.Since(start)
		slog.Error("compaction restart failed", "error", err)
		c.report(result)
		return
	}

	if sumErr == nil && summary != "" {
		// The log is now represented by the summary; keep a synthetic marker
		// so later summaries still see the carried-over context.
		c.asm.Reset()
		c.asm.AppendSynthetic(summary)
	} else {
		// Degraded cycle: the full log stays, but the restart is still
		// recorded in the transcript.
		c.asm.AppendSynthetic("Session restarted for context compaction; no summary was available.")
	}

	result.Duration = time.Since(start)
	slog.Info("session context compacted",
		"turns", len(turns),
		"summary_len", len(result.Summary),
		"duration", result.Duration,
	)
	c.report(result)
}

func (c *Compactor) report(result CompactionResult) {
	if c.onCompacted != nil {
		c.onCompacted(result)
	}
}

// foldSummary prepends the carry-over summary to the session instructions, so
// the new session reads the compacted memory before the persona context.
func foldSummary(instructions, summary string) string {
	const header = "Summary of the conversation so far:"
	if instructions == "" {
		return header + "\n" + summary
	}
	return header + "\n" + summary + "\n\n" + instructions
}
