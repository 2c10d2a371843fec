package jobs

import "time"

// Statistics summarizes the queue and its run history.
type Statistics struct {
	QueueLength    int            `json:"queueLength"`
	ByStatus       map[Status]int `json:"byStatus"`
	CompletedCount int            `json:"completedCount"`
	FailedCount    int            `json:"failedCount"`
	TotalJobsRun   int            `json:"totalJobsRun"`
	TotalRunTime   time.Duration  `json:"totalRunTime"`
	AverageJobTime time.Duration  `json:"averageJobTime"`
	SuccessRate    float64        `json:"successRate"`
}

// Statistics computes run statistics. Rates are zero when nothing has run.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Statistics{
		QueueLength:    len(e.jobs),
		ByStatus:       make(map[Status]int),
		CompletedCount: e.completedCount,
		FailedCount:    e.failedCount,
		TotalJobsRun:   e.totalJobsRun,
		TotalRunTime:   e.totalRunTime,
	}
	for _, j := range e.jobs {
		s.ByStatus[j.Status]++
	}
	if e.totalJobsRun > 0 {
		s.SuccessRate = float64(e.completedCount) / float64(e.totalJobsRun) * 100
		s.AverageJobTime = e.totalRunTime / time.Duration(e.totalJobsRun)
	}
	return s
}
