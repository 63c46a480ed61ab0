package scheduler

import "github.com/nadmax/jarvis/internal/task"

// history keeps the most recent terminal tasks, evicting the oldest first.
type history struct {
	limit int
	ids   []string
	byID  map[string]*task.Task
}

func newHistory(limit int) *history {
	return &history{
		limit: limit,
		ids:   make([]string, 0, limit),
		byID:  make(map[string]*task.Task, limit),
	}
}

func (h *history) add(t *task.Task) {
	if _, ok := h.byID[t.ID]; ok {
		return
	}
	if len(h.ids) >= h.limit {
		oldest := h.ids[0]
		h.ids = append(h.ids[:0], h.ids[1:]...)
		delete(h.byID, oldest)
	}
	h.ids = append(h.ids, t.ID)
	h.byID[t.ID] = t
}

func (h *history) get(id string) (*task.Task, bool) {
	t, ok := h.byID[id]
	return t, ok
}

func (h *history) recent(n int) []task.Task {
	if n <= 0 || n > len(h.ids) {
		n = len(h.ids)
	}

	out := make([]task.Task, 0, n)
	for i := len(h.ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.byID[h.ids[i]].Snapshot())
	}

	return out
}

func (h *history) len() int {
	return len(h.ids)
}
