// Package matcher picks the next job for a polling worker.
//
// Selection is first-fit over pending jobs ordered by priority (lower
// first), then submission time, then insertion sequence. Best-fit packing
// is deliberately not attempted.
package matcher

import (
	"sort"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// Order sorts jobs into dispatch order in place.
func Order(jobs []model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return Less(jobs[i], jobs[j])
	})
}

// Less reports whether a dispatches before b.
func Less(a, b model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Select returns the first pending job in dispatch order that fits the
// worker's declared capacity. ok is false when nothing fits.
func Select(pending []model.Job, w model.Worker) (job model.Job, ok bool) {
	candidates := make([]model.Job, 0, len(pending))
	for _, j := range pending {
		if j.Status == model.JobPending {
			candidates = append(candidates, j)
		}
	}
	Order(candidates)

	for _, j := range candidates {
		if w.Fits(j) {
			return j, true
		}
	}
	return model.Job{}, false
}
