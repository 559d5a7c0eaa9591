package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
)

// Summarizer condenses a transcript segment into prose. The model-backed
// implementation lives with the LLM client; this package only needs the seam.
type Summarizer interface {
	Summarize(ctx context.Context, day, transcript string) (string, error)
}

const (
	// maxSegmentTokens bounds the transcript fed to one summarize call
	maxSegmentTokens = 4000
	// maxSplitDepth bounds the recursive split of oversized days
	maxSplitDepth = 6
)

// Pipeline turns one day's raw transcript into a materialized summary
type Pipeline struct {
	store      *store.Store
	summarizer Summarizer
	useModel   bool
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewPipeline creates a pipeline. summarizer may be nil, in which case the
// deterministic fallback is always used.
func NewPipeline(st *store.Store, summarizer Summarizer, useModel bool, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		store:      st,
		summarizer: summarizer,
		useModel:   useModel,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SummarizeDay rebuilds the day's summary from its full raw transcript,
// replaces the materialized row, and resets the day's counters. Days
// strictly before today are finalized on success.
func (p *Pipeline) SummarizeDay(ctx context.Context, day, reason string) error {
	events, err := p.store.ListDayEvents(day, store.LayerRaw)
	if err != nil {
		return err
	}

	lines := transcriptLines(events)
	if len(lines) == 0 {
		return p.recordQuietDay(day, reason, len(events))
	}

	text, err := p.summarize(ctx, day, lines, 0)
	if err != nil {
		return err
	}

	if err := p.store.ReplaceDaySummary(&store.DaySummary{
		Day:         day,
		SummaryText: text,
		EntryCount:  len(events),
		Reason:      reason,
	}); err != nil {
		return err
	}

	finalize := day < p.now().Format("2006-01-02")
	status, err := p.store.MarkDaySummarized(day, len(events), finalize)
	if err != nil {
		return err
	}

	p.logger.Infow("Day summarized",
		"day", day,
		"entries", len(events),
		"reason", reason,
		"finalized", status.IsFinalized)
	return nil
}

// recordQuietDay closes out a day whose transcript filtered down to nothing.
// The day still gets a summary row and reset counters, so the sweep stops
// offering it back instead of re-enqueueing a job that can never succeed.
func (p *Pipeline) recordQuietDay(day, reason string, entries int) error {
	if err := p.store.ReplaceDaySummary(&store.DaySummary{
		Day:         day,
		SummaryText: "No notable activity.",
		EntryCount:  entries,
		Reason:      reason,
	}); err != nil {
		return err
	}

	finalize := day < p.now().Format("2006-01-02")
	status, err := p.store.MarkDaySummarized(day, entries, finalize)
	if err != nil {
		return err
	}

	p.logger.Infow("Day had nothing to summarize, recorded quiet summary",
		"day", day,
		"entries", entries,
		"reason", reason,
		"finalized", status.IsFinalized)
	return nil
}

// summarize handles one segment, splitting recursively while it exceeds the
// token budget. At the depth limit the segment is summarized as-is.
func (p *Pipeline) summarize(ctx context.Context, day string, lines []string, depth int) (string, error) {
	transcript := strings.Join(lines, "\n")
	if depth < maxSplitDepth && estimateTokens(transcript) > maxSegmentTokens && len(lines) > 1 {
		mid := len(lines) / 2
		first, err := p.summarize(ctx, day, lines[:mid], depth+1)
		if err != nil {
			return "", err
		}
		second, err := p.summarize(ctx, day, lines[mid:], depth+1)
		if err != nil {
			return "", err
		}
		return p.summarize(ctx, day, []string{first, second}, maxSplitDepth)
	}

	if p.useModel && p.summarizer != nil {
		text, err := p.summarizer.Summarize(ctx, day, transcript)
		if err == nil {
			return text, nil
		}
		p.logger.Warnw("Model summary failed, using fallback", "day", day, "error", err)
	}
	return fallbackSummary(lines), nil
}

// transcriptLines renders events into one line each, dropping low-signal
// entries that would only pad the summary
func transcriptLines(events []*store.DayEvent) []string {
	var lines []string
	for _, ev := range events {
		text := strings.TrimSpace(ev.Text)
		if lowSignal(text) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", ev.EventTime.Format("15:04"), ev.Kind, text))
	}
	return lines
}

// lowSignal drops empty and acknowledgment-only entries
func lowSignal(text string) bool {
	if len(text) < 3 {
		return true
	}
	switch strings.ToLower(text) {
	case "ok", "yes", "no", "thanks", "thank you", "done", "sure":
		return true
	}
	return false
}

// fallbackSummary is the deterministic no-model summary: a bounded digest of
// the transcript lines
func fallbackSummary(lines []string) string {
	const maxLines = 40
	const maxLineLen = 160

	var b strings.Builder
	kept := lines
	if len(kept) > maxLines {
		kept = kept[len(kept)-maxLines:]
		fmt.Fprintf(&b, "(%d earlier entries omitted)\n", len(lines)-maxLines)
	}
	for _, line := range kept {
		if len(line) > maxLineLen {
			line = line[:maxLineLen] + "..."
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// estimateTokens is the usual rough heuristic of four characters per token
func estimateTokens(text string) int {
	return len(text) / 4
}
