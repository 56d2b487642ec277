package service

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/timmy/sitexport/internal/domain"
)

// Workers report progress on a single line, e.g.
//
//	[progress] processed=120 success=118 failed=2 total=500 percent=24.0 eta=310
const progressPrefix = "[progress]"

var reProgressPair = regexp.MustCompile(`\b(processed|success|failed|total|percent|eta)=([0-9]+(?:\.[0-9]+)?)`)

// parseProgress extracts the counters carried by a progress line. ok is false
// for ordinary output.
func parseProgress(line string) (update progressUpdate, ok bool) {
	l := strings.TrimSpace(line)
	if !strings.HasPrefix(l, progressPrefix) {
		return update, false
	}
	for _, m := range reProgressPair.FindAllStringSubmatch(l[len(progressPrefix):], -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		ok = true
		switch m[1] {
		case "processed":
			update.processed = intPtr(int(v))
		case "success":
			update.success = intPtr(int(v))
		case "failed":
			update.failed = intPtr(int(v))
		case "total":
			update.total = intPtr(int(v))
		case "percent":
			if v > 100 {
				v = 100
			}
			update.percent = &v
		case "eta":
			update.eta = &v
		}
	}
	return update, ok
}

type progressUpdate struct {
	processed, success, failed, total *int
	percent, eta                      *float64
}

// apply merges u into p. Counters and percent never decrease; ETA follows the
// latest report.
func (u progressUpdate) apply(p *domain.Progress) bool {
	changed := false
	maxInt := func(dst *int, v *int) {
		if v != nil && *v > *dst {
			*dst = *v
			changed = true
		}
	}
	maxInt(&p.ProcessedURLs, u.processed)
	maxInt(&p.SuccessURLs, u.success)
	maxInt(&p.FailedURLs, u.failed)
	maxInt(&p.TotalURLs, u.total)
	if u.percent != nil && (p.Percent == nil || *u.percent > *p.Percent) {
		v := *u.percent
		p.Percent = &v
		changed = true
	}
	if u.eta != nil && (p.ETASeconds == nil || *u.eta != *p.ETASeconds) {
		v := *u.eta
		p.ETASeconds = &v
		changed = true
	}
	return changed
}

func intPtr(v int) *int { return &v }
