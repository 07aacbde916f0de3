package ratelimit

import (
	"context"
	"sort"
	"time"
)

// SliceHistory is an in-memory History kept sorted ascending.
type SliceHistory struct {
	times []time.Time
}

func NewSliceHistory(times ...time.Time) *SliceHistory {
	h := &SliceHistory{}
	for _, t := range times {
		h.Add(t)
	}
	return h
}

func (h *SliceHistory) Add(t time.Time) {
	i := sort.Search(len(h.times), func(i int) bool { return h.times[i].After(t) })
	h.times = append(h.times, time.Time{})
	copy(h.times[i+1:], h.times[i:])
	h.times[i] = t
}

func (h *SliceHistory) Len() int { return len(h.times) }

func (h *SliceHistory) Times() []time.Time {
	out := make([]time.Time, len(h.times))
	copy(out, h.times)
	return out
}

func (h *SliceHistory) Latest(context.Context) (time.Time, bool, error) {
	if len(h.times) == 0 {
		return time.Time{}, false, nil
	}
	return h.times[len(h.times)-1], true, nil
}

func (h *SliceHistory) OldestAfter(_ context.Context, after time.Time) (time.Time, bool, error) {
	i := h.firstAfter(after)
	if i == len(h.times) {
		return time.Time{}, false, nil
	}
	return h.times[i], true, nil
}

func (h *SliceHistory) CountAfter(_ context.Context, after time.Time) (int, error) {
	return len(h.times) - h.firstAfter(after), nil
}

func (h *SliceHistory) firstAfter(after time.Time) int {
	return sort.Search(len(h.times), func(i int) bool { return h.times[i].After(after) })
}
