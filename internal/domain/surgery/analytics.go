package surgery

import (
	"math"
	"sort"
	"time"
)

// CountEntry is one bucket of a ranked breakdown.
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type AgeGroups struct {
	Paediatric int `json:"paediatric"`
	Adult      int `json:"adult"`
	Elderly    int `json:"elderly"`
}

// Window counts cases created and completed in a trailing period.
type Window struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
}

// Summary is the dashboard view over a set of cases.
type Summary struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Total int    `json:"total"`

	ByStatus          map[Status]int `json:"by_status"`
	Priority          int            `json:"priority"`
	ConfirmedOnOTList int            `json:"confirmed_on_ot_list"`
	Last30Days        Window         `json:"last_30_days"`
	Last7Days         Window         `json:"last_7_days"`

	AgeGroups    AgeGroups      `json:"age_groups"`
	PatientTypes map[string]int `json:"patient_types"`
	Specialties  []CountEntry   `json:"specialties"`
	Doctors      []CountEntry   `json:"doctors"`

	RebookedCases  int     `json:"rebooked_cases"`
	TotalRebooks   int     `json:"total_rebooks"`
	AverageRebooks float64 `json:"average_rebooks"`

	CancellationReasons []CountEntry `json:"cancellation_reasons"`
	DeferralReasons     []CountEntry `json:"deferral_reasons"`
	TotalCancellations  int          `json:"total_cancellations"`
	TotalDeferrals      int          `json:"total_deferrals"`

	CompletionRate   float64 `json:"completion_rate"`
	CancellationRate float64 `json:"cancellation_rate"`
}

// Summarize aggregates the cases dated within [from, to]. Either bound may
// be empty. Cancellation and deferral totals include rebooked history, so a
// case cancelled twice counts twice.
func Summarize(cases []*Case, from, to string, now time.Time) *Summary {
	sum := &Summary{
		From:         from,
		To:           to,
		ByStatus:     make(map[Status]int, len(Statuses)),
		PatientTypes: make(map[string]int),
	}
	for _, st := range Statuses {
		sum.ByStatus[st] = 0
	}

	month := now.AddDate(0, 0, -30)
	week := now.AddDate(0, 0, -7)
	specialties := map[string]int{}
	doctors := map[string]int{}
	cancelReasons := map[string]int{}
	deferReasons := map[string]int{}
	everCancelled := 0

	for _, c := range cases {
		if (from != "" && c.Date < from) || (to != "" && c.Date > to) {
			continue
		}
		sum.Total++
		sum.ByStatus[c.Status]++
		if c.Priority {
			sum.Priority++
		}
		if c.ConfirmedOnOTList {
			sum.ConfirmedOnOTList++
		}

		if c.CreatedAt.After(month) {
			sum.Last30Days.Created++
		}
		if c.CreatedAt.After(week) {
			sum.Last7Days.Created++
		}
		if c.Status == StatusCompleted {
			if c.UpdatedAt.After(month) {
				sum.Last30Days.Completed++
			}
			if c.UpdatedAt.After(week) {
				sum.Last7Days.Completed++
			}
		}

		switch {
		case c.Age < 18:
			sum.AgeGroups.Paediatric++
		case c.Age >= 65:
			sum.AgeGroups.Elderly++
		default:
			sum.AgeGroups.Adult++
		}
		if c.PatientType != nil {
			sum.PatientTypes[*c.PatientType]++
		}
		specialties[c.Specialty]++
		doctors[c.Doctor]++

		if c.RebookCount > 0 {
			sum.RebookedCases++
			sum.TotalRebooks += c.RebookCount
		}

		for _, h := range c.CancellationHistory {
			cancelReasons[h.Reason]++
		}
		sum.TotalCancellations += len(c.CancellationHistory)
		if c.Status == StatusCancelled {
			sum.TotalCancellations++
			if r := strVal(c.CancellationReason); r != "" {
				cancelReasons[r]++
			}
		}
		if c.Status == StatusCancelled || len(c.CancellationHistory) > 0 {
			everCancelled++
		}

		for _, d := range c.DeferralHistory {
			deferReasons[d.Reason]++
		}
		sum.TotalDeferrals += len(c.DeferralHistory)
	}

	sum.Specialties = ranked(specialties)
	sum.Doctors = ranked(doctors)
	sum.CancellationReasons = ranked(cancelReasons)
	sum.DeferralReasons = ranked(deferReasons)

	if sum.Total > 0 {
		sum.AverageRebooks = round1(float64(sum.TotalRebooks) / float64(sum.Total))
		sum.CompletionRate = percent(sum.ByStatus[StatusCompleted], sum.Total)
		sum.CancellationRate = percent(everCancelled, sum.Total)
	}
	return sum
}

// ranked orders buckets by count descending, then key.
func ranked(m map[string]int) []CountEntry {
	out := make([]CountEntry, 0, len(m))
	for k, n := range m {
		if k == "" {
			continue
		}
		out = append(out, CountEntry{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func percent(n, total int) float64 {
	return round1(float64(n) * 100 / float64(total))
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
