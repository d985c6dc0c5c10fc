package client

import "interactive_story_generator/story"

// Snapshot is a copy of what was on display before a turn replaced it,
// together with the request that produced it.
type Snapshot struct {
	Story   string
	Image   string
	Request *story.PromptRequest
}

// HistoryStack holds snapshots for undo, most recent last.
type HistoryStack struct {
	items []Snapshot
}

func (h *HistoryStack) Push(s Snapshot) { h.items = append(h.items, s) }

// Pop removes and returns the most recent snapshot.
func (h *HistoryStack) Pop() (Snapshot, bool) {
	if len(h.items) == 0 {
		return Snapshot{}, false
	}
	s := h.items[len(h.items)-1]
	h.items[len(h.items)-1] = Snapshot{}
	h.items = h.items[:len(h.items)-1]
	return s, true
}

func (h *HistoryStack) Len() int { return len(h.items) }

func (h *HistoryStack) Clear() { h.items = nil }
