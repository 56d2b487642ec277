package service

import "github.com/timmy/sitexport/internal/domain"

// aggregate combines per-site progress into the run-level view.
//
// Sites reporting absolute totals contribute processed/total URLs. Sites that
// only report a percentage are weighted as 100 points in the same average.
// The ETA is the mean of running sites with a known ETA.
func aggregate(status domain.BulkRunStatus, sites []domain.SiteRunState) domain.BulkAggregate {
	agg := domain.BulkAggregate{
		Status: string(status),
		Counts: make(map[domain.SiteStatus]int),
	}
	if len(sites) == 0 {
		agg.Status = domain.AggregateStatusIdle
		return agg
	}

	var (
		pctSum   float64
		pctSites int
		etaSum   float64
		etaSites int
	)
	for _, st := range sites {
		agg.Counts[st.Status]++

		p := st.Progress
		switch {
		case p.TotalURLs > 0:
			processed := p.ProcessedURLs
			if processed > p.TotalURLs {
				processed = p.TotalURLs
			}
			agg.ProcessedURLs += processed
			agg.TotalURLs += p.TotalURLs
		case p.Percent != nil:
			pctSum += *p.Percent
			pctSites++
		}

		if st.Status == domain.SiteStatusRunning && p.ETASeconds != nil {
			etaSum += *p.ETASeconds
			etaSites++
		}
	}

	if weight := float64(agg.TotalURLs) + 100*float64(pctSites); weight > 0 {
		pct := (float64(agg.ProcessedURLs) + pctSum) / weight * 100
		agg.Percent = &pct
	}
	if etaSites > 0 {
		eta := etaSum / float64(etaSites)
		agg.ETASeconds = &eta
	}
	return agg
}

// mergeProgress folds a newer report into dst without letting counters go back.
func mergeProgress(dst *domain.Progress, src domain.Progress) {
	if src.ProcessedURLs > dst.ProcessedURLs {
		dst.ProcessedURLs = src.ProcessedURLs
	}
	if src.SuccessURLs > dst.SuccessURLs {
		dst.SuccessURLs = src.SuccessURLs
	}
	if src.FailedURLs > dst.FailedURLs {
		dst.FailedURLs = src.FailedURLs
	}
	if src.TotalURLs > dst.TotalURLs {
		dst.TotalURLs = src.TotalURLs
	}
	if src.Percent != nil && (dst.Percent == nil || *src.Percent > *dst.Percent) {
		v := *src.Percent
		dst.Percent = &v
	}
	if src.ETASeconds != nil {
		v := *src.ETASeconds
		dst.ETASeconds = &v
	}
}
