package engine

import (
	"strings"

	"wayleave/internal/domain"
)

// SearchRecords keeps the records whose wayleave number contains query,
// ignoring case. Order is preserved; an empty query keeps everything.
func SearchRecords(records []domain.WayleaveRecord, query string) []domain.WayleaveRecord {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return records
	}
	out := make([]domain.WayleaveRecord, 0, len(records))
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.WayleaveNumber), query) {
			out = append(out, r)
		}
	}
	return out
}

// SearchProfiles keeps the profiles whose email contains query, ignoring case.
func SearchProfiles(profiles []domain.UserProfile, query string) []domain.UserProfile {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return profiles
	}
	out := make([]domain.UserProfile, 0, len(profiles))
	for _, p := range profiles {
		if strings.Contains(strings.ToLower(p.Email), query) {
			out = append(out, p)
		}
	}
	return out
}

// Overview is the administrator's summary of users and records.
type Overview struct {
	TotalUsers   int `json:"total_users"`
	PendingUsers int `json:"pending_users"`
	TotalRecords int `json:"total_records"`
	// InProgress counts every record that is not Completed.
	InProgress int                   `json:"in_progress_records"`
	Completed  int                   `json:"completed_records"`
	ByStatus   map[domain.Status]int `json:"by_status"`
}

func Summarize(records []domain.WayleaveRecord, profiles []domain.UserProfile) Overview {
	o := Overview{
		TotalUsers:   len(profiles),
		TotalRecords: len(records),
		ByStatus:     make(map[domain.Status]int, len(domain.AllStatuses)),
	}
	for _, s := range domain.AllStatuses {
		o.ByStatus[s] = 0
	}
	for _, p := range profiles {
		if p.Status == domain.ActivationPending {
			o.PendingUsers++
		}
	}
	for _, r := range records {
		o.ByStatus[r.Status]++
		if r.Status == domain.StatusCompleted {
			o.Completed++
		} else {
			o.InProgress++
		}
	}
	return o
}
