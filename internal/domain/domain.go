package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the workflow position of a wayleave record.
type Status string

const (
	StatusWaitingForAction   Status = "WaitingForAction"
	StatusForwarded          Status = "Forwarded"
	StatusPendingFinalReview Status = "PendingFinalReview"
	StatusCompleted          Status = "Completed"
)

// AllStatuses lists statuses in workflow order.
var AllStatuses = []Status{
	StatusWaitingForAction,
	StatusForwarded,
	StatusPendingFinalReview,
	StatusCompleted,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts the canonical name, case-insensitively.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	for _, s := range AllStatuses {
		if strings.EqualFold(string(s), v) {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", v)}
}

// Role is the authorization role held by a user and attributed to an actor.
type Role string

const (
	RoleUnassigned Role = "Unassigned"
	RolePlanning   Role = "PLANNING"
	RoleTSS        Role = "TSS"
	RoleEDD        Role = "EDD"
	RoleAdmin      Role = "Admin"
)

var AllRoles = []Role{RoleUnassigned, RolePlanning, RoleTSS, RoleEDD, RoleAdmin}

func (r Role) Valid() bool {
	for _, v := range AllRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Assigned reports whether r grants any access at all.
func (r Role) Assigned() bool {
	return r.Valid() && r != RoleUnassigned
}

func ParseRole(v string) (Role, error) {
	v = strings.TrimSpace(v)
	for _, r := range AllRoles {
		if strings.EqualFold(string(r), v) {
			return r, nil
		}
	}
	return "", &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", v)}
}

// Activation is the activation state of a user profile.
type Activation string

const (
	ActivationPending Activation = "pending"
	ActivationActive  Activation = "active"
)

func (a Activation) Valid() bool {
	return a == ActivationPending || a == ActivationActive
}

// Attachment describes a stored blob.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// HistoryEntry is one append-only step of a record's workflow.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Actor     Role      `json:"actor"`
}

type WayleaveRecord struct {
	ID                 int64          `json:"id"`
	WayleaveNumber     string         `json:"wayleave_number"`
	Status             Status         `json:"status" enum:"WaitingForAction,Forwarded,PendingFinalReview,Completed"`
	Attachment         Attachment     `json:"attachment"`
	ApprovedAttachment *Attachment    `json:"approved_attachment,omitempty"`
	History            []HistoryEntry `json:"history"`
	CreatedAt          time.Time      `json:"created_at" format:"date-time"`
}

// CheckHistory verifies the history invariant: non-empty, strictly
// increasing timestamps, last entry matching the current status.
func (r WayleaveRecord) CheckHistory() error {
	if len(r.History) == 0 {
		return fmt.Errorf("record %d has empty history", r.ID)
	}
	for i := 1; i < len(r.History); i++ {
		if !r.History[i].Timestamp.After(r.History[i-1].Timestamp) {
			return fmt.Errorf("record %d history not strictly increasing at entry %d", r.ID, i)
		}
	}
	if last := r.History[len(r.History)-1]; last.Status != r.Status {
		return fmt.Errorf("record %d status %s does not match last history entry %s", r.ID, r.Status, last.Status)
	}
	return nil
}

// Clone returns a deep copy so callers never share history slices.
func (r WayleaveRecord) Clone() WayleaveRecord {
	out := r
	out.History = append([]HistoryEntry(nil), r.History...)
	if r.ApprovedAttachment != nil {
		a := *r.ApprovedAttachment
		out.ApprovedAttachment = &a
	}
	return out
}

// RecordPatch carries the fields a store update may change. Nil fields are left alone.
type RecordPatch struct {
	WayleaveNumber     *string
	Status             *Status
	History            []HistoryEntry
	ApprovedAttachment *Attachment
	// Expect makes the write conditional on the row still being in this state.
	// A row that moved on fails with ErrStaleRecord.
	Expect *RecordState
}

// RecordState is the part of a record a transition was checked against.
type RecordState struct {
	Status     Status
	HistoryLen int
}

type UserProfile struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      Role       `json:"role" enum:"Unassigned,PLANNING,TSS,EDD,Admin"`
	Status    Activation `json:"status" enum:"pending,active"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

// Usable reports whether a session backed by this profile may reach protected data.
func (p UserProfile) Usable() bool {
	return p.Status == ActivationActive && p.Role.Assigned()
}

// ProfilePatch carries admin-editable profile fields.
type ProfilePatch struct {
	Role   *Role
	Status *Activation
}

// Session is a provider-issued credential pair for one identity.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at" format:"date-time"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at" format:"date-time"`
}

// Upload is a binary attachment supplied by a caller before it is stored.
type Upload struct {
	Name string
	Data []byte
}

func (u *Upload) Empty() bool {
	return u == nil || len(u.Data) == 0 || strings.TrimSpace(u.Name) == ""
}
