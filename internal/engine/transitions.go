package engine

import "wayleave/internal/domain"

// CheckTransition enforces the workflow table. Admin may move a record
// between any two distinct statuses; a no-op is rejected for everyone.
func CheckTransition(actor domain.Role, from, to domain.Status) error {
	if from == to {
		return &domain.TransitionError{Actor: actor, From: from, To: to}
	}
	switch actor {
	case domain.RoleAdmin:
		return nil
	case domain.RoleTSS:
		if from == domain.StatusWaitingForAction && to == domain.StatusForwarded {
			return nil
		}
		if from == domain.StatusForwarded && to == domain.StatusPendingFinalReview {
			return nil
		}
	case domain.RoleEDD:
		if from == domain.StatusPendingFinalReview && to == domain.StatusCompleted {
			return nil
		}
	}
	return &domain.TransitionError{Actor: actor, From: from, To: to}
}

// AvailableTransitions lists the targets actor may choose from status, in
// workflow order.
func AvailableTransitions(status domain.Status, actor domain.Role) []domain.Status {
	var out []domain.Status
	for _, to := range domain.AllStatuses {
		if CheckTransition(actor, status, to) == nil {
			out = append(out, to)
		}
	}
	return out
}

// awaiting maps a role to the status that puts a record in its queue.
var awaiting = map[domain.Role]domain.Status{
	domain.RoleTSS: domain.StatusWaitingForAction,
	domain.RoleEDD: domain.StatusPendingFinalReview,
}

// PendingActions returns the records waiting on actor, preserving order.
func PendingActions(actor domain.Role, records []domain.WayleaveRecord) []domain.WayleaveRecord {
	status, ok := awaiting[actor]
	if !ok {
		return nil
	}
	var out []domain.WayleaveRecord
	for _, r := range records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
