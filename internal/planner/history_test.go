package planner

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

func makeHistory(n int) []schemas.HistoryEntry {
	h := make([]schemas.HistoryEntry, n)
	for i := range h {
		h[i] = schemas.HistoryEntry{
			Iteration: i + 1,
			Step:      schemas.Step{Kind: schemas.StepClick, Selector: fmt.Sprintf("#b%d", i+1)},
			Outcome:   schemas.Succeeded(fmt.Sprintf("#b%d", i+1)),
		}
	}
	return h
}

func TestSelectWindow_EntryLimit(t *testing.T) {
	h := makeHistory(15)
	window, omitted := selectWindow(h, 10, 0, 0, EstimateTokenizer{})

	assert.Len(t, window, 10)
	assert.Equal(t, 5, omitted)
	assert.Equal(t, 6, window[0].Iteration, "oldest entries are evicted first")
	assert.Equal(t, 15, window[9].Iteration)
}

func TestSelectWindow_TokenBudget(t *testing.T) {
	h := makeHistory(6)
	tok := EstimateTokenizer{}
	perEntry := tok.Count(historyLine(h[5])) + 1

	window, omitted := selectWindow(h, 10, 100+3*perEntry, 100, tok)
	assert.Len(t, window, 3)
	assert.Equal(t, 3, omitted)
	assert.Equal(t, []int{4, 5, 6}, iterations(window))

	window, omitted = selectWindow(h, 10, 50, 100, tok)
	assert.Empty(t, window, "fixed prompt alone exceeds the budget")
	assert.Equal(t, 6, omitted)
}

func TestSelectWindow_DoesNotAlias(t *testing.T) {
	h := makeHistory(3)
	window, _ := selectWindow(h, 10, 0, 0, EstimateTokenizer{})
	window[0].Step.Selector = "mutated"
	assert.Equal(t, "#b1", h[0].Step.Selector)
}

func TestSelectWindow_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "entries")
		h := make([]schemas.HistoryEntry, n)
		for i := range h {
			reason := strings.Repeat("x", rapid.IntRange(0, 200).Draw(t, "reason_len"))
			h[i] = schemas.HistoryEntry{
				Iteration: i + 1,
				Step:      schemas.Step{Kind: schemas.StepClick, Selector: "#a"},
				Outcome:   schemas.Failed(schemas.ErrCodeElementNotFound, "#a", reason),
			}
		}
		maxEntries := rapid.IntRange(1, 15).Draw(t, "max_entries")
		fixed := rapid.IntRange(0, 300).Draw(t, "fixed")
		budget := rapid.IntRange(1, 1500).Draw(t, "budget")
		tok := EstimateTokenizer{}

		window, omitted := selectWindow(h, maxEntries, budget, fixed, tok)

		if len(window)+omitted != n {
			t.Fatalf("window %d + omitted %d != %d", len(window), omitted, n)
		}
		if len(window) > maxEntries {
			t.Fatalf("window %d exceeds limit %d", len(window), maxEntries)
		}
		cost := fixed
		for i, e := range window {
			if e.Iteration != omitted+i+1 {
				t.Fatalf("window is not the most recent suffix")
			}
			cost += tok.Count(historyLine(e)) + 1
		}
		if len(window) > 0 && cost > budget {
			t.Fatalf("window cost %d exceeds budget %d", cost, budget)
		}
		if omitted > 0 && len(window) < maxEntries {
			next := tok.Count(historyLine(h[omitted-1])) + 1
			if cost+next <= budget {
				t.Fatalf("entry %d would have fit", omitted)
			}
		}
	})
}

func iterations(h []schemas.HistoryEntry) []int {
	out := make([]int, len(h))
	for i, e := range h {
		out[i] = e.Iteration
	}
	return out
}
