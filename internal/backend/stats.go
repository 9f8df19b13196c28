package backend

import (
	"sort"
	"time"

	"postpart-sync/internal/models"
)

// ComputeStats aggregates check-ins client side for backends that cannot run
// the aggregate query themselves. Hours count closed visits only.
func ComputeStats(checkIns []models.CheckIn, monthStart time.Time) models.Stats {
	var st models.Stats
	centres := make(map[string]struct{})
	var monthDur time.Duration

	for i := range checkIns {
		c := &checkIns[i]
		st.TotalVisits++
		centres[c.CentreID] = struct{}{}
		if c.CheckInTime.Before(monthStart) {
			continue
		}
		st.VisitsThisMonth++
		if c.CheckOutTime != nil {
			monthDur += c.CheckOutTime.Sub(c.CheckInTime)
		}
	}
	st.UniqueCentres = len(centres)
	st.HoursThisMonth = int(monthDur.Hours())
	return st
}

// RankCentres orders the centres of the given check-ins by visit count, most
// visited first, ties broken by centre id. At most limit are returned.
func RankCentres(checkIns []models.CheckIn, limit int) []models.Centre {
	counts := make(map[string]int)
	byID := make(map[string]models.Centre)
	for _, c := range checkIns {
		counts[c.CentreID]++
		if _, ok := byID[c.CentreID]; !ok {
			if c.Centre != nil {
				byID[c.CentreID] = *c.Centre
			} else {
				byID[c.CentreID] = models.Centre{ID: c.CentreID}
			}
		}
	}

	out := make([]models.Centre, 0, len(byID))
	for _, centre := range byID {
		out = append(out, centre)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := counts[out[i].ID], counts[out[j].ID]
		if ci != cj {
			return ci > cj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MonthStart returns midnight of the first day of now's month in now's location.
func MonthStart(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
}
