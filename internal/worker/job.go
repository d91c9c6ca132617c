package worker

import "github.com/pingsantohq/ingestcheck/pkg/types"

type Job struct {
	Target types.ProbeTarget
}

// Jobs returns a closed, fully buffered channel holding one job per target.
func Jobs(targets []types.ProbeTarget) <-chan Job {
	ch := make(chan Job, len(targets))
	for _, t := range targets {
		ch <- Job{Target: t}
	}
	close(ch)
	return ch
}
