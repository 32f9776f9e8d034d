package planner

import "github.com/xkilldash9x/browserpilot/api/schemas"

// selectWindow picks the most recent entries that fit both the entry limit
// and the token budget, evicting the oldest first. fixed is the token cost
// of everything else in the prompt. The window is returned oldest first
// along with the number of entries left out.
func selectWindow(history []schemas.HistoryEntry, maxEntries, budget, fixed int, tok Tokenizer) ([]schemas.HistoryEntry, int) {
	if maxEntries <= 0 || len(history) == 0 {
		return nil, len(history)
	}

	start := len(history)
	used := fixed
	for i := len(history) - 1; i >= 0 && len(history)-i <= maxEntries; i-- {
		cost := tok.Count(historyLine(history[i])) + 1
		if budget > 0 && used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	window := make([]schemas.HistoryEntry, len(history)-start)
	copy(window, history[start:])
	return window, start
}
