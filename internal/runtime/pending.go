package runtime

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type pendingJob struct {
	plate       uuid.UUID
	well        int32
	publishedAt time.Time
}

// pendingJobs tracks published jobs awaiting a result. Only the dispatch
// goroutine touches it.
type pendingJobs map[string]pendingJob

func (p pendingJobs) add(id string, job pendingJob) {
	p[id] = job
}

// take removes and returns the job for id.
func (p pendingJobs) take(id string) (pendingJob, bool) {
	if id == "" {
		return pendingJob{}, false
	}
	job, ok := p[id]
	if ok {
		delete(p, id)
	}
	return job, ok
}

// expire removes jobs published more than timeout before now and returns
// their ids, oldest first.
func (p pendingJobs) expire(now time.Time, timeout time.Duration) []string {
	var expired []string
	for id, job := range p {
		if now.Sub(job.publishedAt) > timeout {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return p[expired[i]].publishedAt.Before(p[expired[j]].publishedAt)
	})
	for _, id := range expired {
		delete(p, id)
	}
	return expired
}
