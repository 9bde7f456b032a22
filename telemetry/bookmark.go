package telemetry

import (
	"fmt"
	"log/slog"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkPopulationCrash    BookmarkType = "population_crash"
	BookmarkPopulationRecovery BookmarkType = "population_recovery"
	BookmarkExtinction         BookmarkType = "extinction"
	BookmarkFragmentation      BookmarkType = "network_fragmentation"
	BookmarkStablePopulation   BookmarkType = "stable_population"
)

// Bookmark marks a notable moment in a scenario's sample series.
type Bookmark struct {
	Type        BookmarkType
	Scenario    int
	Tick        uint64
	Description string
}

// Log writes the bookmark to logger.
func (b Bookmark) Log(logger *slog.Logger) {
	logger.Info("bookmark",
		"type", string(b.Type),
		"scenario", b.Scenario,
		"tick", b.Tick,
		"description", b.Description,
	)
}

// BookmarkDetector watches consecutive samples of one scenario.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []Sample
	historySize int
	historyIdx  int
	historyFull bool

	recentMin   int  // minimum population since the last recovery
	recentPeak  int  // peak population since the last crash
	extinct     bool // extinction already reported
	stableCount int  // consecutive samples with a stable population
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 5 {
		historySize = 5 // minimum for stability detection
	}
	return &BookmarkDetector{
		history:     make([]Sample, historySize),
		historySize: historySize,
		recentMin:   -1,
	}
}

// Check analyzes the latest sample and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(s Sample) []Bookmark {
	var bookmarks []Bookmark

	if bd.historyFull || bd.historyIdx > 0 {
		for _, check := range []func(Sample) *Bookmark{
			bd.checkExtinction,
			bd.checkCrash,
			bd.checkRecovery,
			bd.checkFragmentation,
			bd.checkStable,
		} {
			if b := check(s); b != nil {
				b.Scenario, b.Tick = s.Scenario, s.Tick
				bookmarks = append(bookmarks, *b)
			}
		}
	}

	bd.addToHistory(s)

	if s.Agents < bd.recentMin || bd.recentMin < 0 {
		bd.recentMin = s.Agents
	}
	if s.Agents > bd.recentPeak {
		bd.recentPeak = s.Agents
	}
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(s Sample) {
	bd.history[bd.historyIdx] = s
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []Sample {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

func (bd *BookmarkDetector) checkExtinction(s Sample) *Bookmark {
	if s.Agents > 0 {
		bd.extinct = false
		return nil
	}
	if bd.extinct || bd.recentPeak == 0 {
		return nil
	}
	bd.extinct = true
	return &Bookmark{
		Type:        BookmarkExtinction,
		Description: fmt.Sprintf("Population died out after peaking at %d", bd.recentPeak),
	}
}

func (bd *BookmarkDetector) checkCrash(s Sample) *Bookmark {
	if bd.recentPeak == 0 {
		return nil
	}

	dropPercent := 1.0 - float64(s.Agents)/float64(bd.recentPeak)
	if dropPercent > 0.30 && s.Agents < bd.recentPeak-10 {
		// Reset peak after crash
		oldPeak := bd.recentPeak
		bd.recentPeak = s.Agents

		return &Bookmark{
			Type:        BookmarkPopulationCrash,
			Description: fmt.Sprintf("Population crashed %.0f%% from peak %d to %d", dropPercent*100, oldPeak, s.Agents),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkRecovery(s Sample) *Bookmark {
	if bd.recentMin < 1 || bd.recentMin > 3 {
		return nil
	}

	if s.Agents >= bd.recentMin*3 && s.Agents >= 6 {
		oldMin := bd.recentMin
		bd.recentMin = s.Agents

		return &Bookmark{
			Type:        BookmarkPopulationRecovery,
			Description: fmt.Sprintf("Population recovered from %d to %d", oldMin, s.Agents),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkFragmentation(s Sample) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 || s.Components < 4 {
		return nil
	}

	var total int
	for _, h := range history {
		total += h.Components
	}
	avg := float64(total) / float64(len(history))
	if avg == 0 {
		return nil
	}

	if float64(s.Components) > avg*2.0 {
		return &Bookmark{
			Type:        BookmarkFragmentation,
			Description: fmt.Sprintf("Network split into %d components, %.1fx average (%.1f)", s.Components, float64(s.Components)/avg, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkStable(s Sample) *Bookmark {
	if s.Agents < 10 {
		bd.stableCount = 0
		return nil
	}

	history := bd.getHistory()
	if len(history) < 4 {
		return nil
	}

	// The four most recent samples, newest first
	recent := make([]float64, 0, 4)
	for i := 1; i <= 4; i++ {
		idx := (bd.historyIdx - i + bd.historySize) % bd.historySize
		recent = append(recent, float64(bd.history[idx].Agents))
	}
	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / 4
	var variance float64
	for _, v := range recent {
		d := v - mean
		variance += d * d
	}
	variance /= 4

	// CV^2 < 0.04 means CV < 0.2
	if mean > 0 && variance/(mean*mean) < 0.04 {
		bd.stableCount++
	} else {
		bd.stableCount = 0
	}

	if bd.stableCount == 5 { // trigger exactly once per stable stretch
		return &Bookmark{
			Type:        BookmarkStablePopulation,
			Description: fmt.Sprintf("Population stable around %.0f agents", mean),
		}
	}
	return nil
}
