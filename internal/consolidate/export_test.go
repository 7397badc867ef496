package consolidate

import "context"

// withJobs replaces the named jobs of every cycle.
func withJobs(fns map[string]func(context.Context) (any, error)) Option {
	return func(s *Scheduler) {
		s.jobHook = func(jobs []job) []job {
			for i, j := range jobs {
				if fn, ok := fns[j.name]; ok {
					jobs[i].run = fn
				}
			}
			return jobs
		}
	}
}
