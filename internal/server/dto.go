package server

import (
	"time"

	"wayleave/internal/domain"
	"wayleave/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type SignUpRequest struct {
	Email           string `json:"email" format:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// AttachmentUpload carries file content base64-encoded in JSON.
type AttachmentUpload struct {
	Name string `json:"name" minLength:"1"`
	Data []byte `json:"data" contentEncoding:"base64"`
}

func (u *AttachmentUpload) upload() *domain.Upload {
	if u == nil {
		return nil
	}
	return &domain.Upload{Name: u.Name, Data: u.Data}
}

type CreateRecordRequest struct {
	WayleaveNumber string           `json:"wayleave_number"`
	Attachment     AttachmentUpload `json:"attachment"`
}

type TransitionRequest struct {
	Status   string            `json:"status" enum:"WaitingForAction,Forwarded,PendingFinalReview,Completed"`
	Evidence *AttachmentUpload `json:"evidence,omitempty"`
}

type PatchRecordRequest struct {
	WayleaveNumber string `json:"wayleave_number"`
}

type PatchProfileRequest struct {
	Role   *string `json:"role,omitempty" enum:"Unassigned,PLANNING,TSS,EDD,Admin"`
	Status *string `json:"status,omitempty" enum:"pending,active"`
}

func (r PatchProfileRequest) patch() (domain.ProfilePatch, error) {
	var patch domain.ProfilePatch
	if r.Role == nil && r.Status == nil {
		return patch, &domain.ValidationError{Field: "body", Message: "role or status is required"}
	}
	if r.Role != nil {
		role, err := domain.ParseRole(*r.Role)
		if err != nil {
			return patch, err
		}
		patch.Role = &role
	}
	if r.Status != nil {
		status := domain.Activation(*r.Status)
		if !status.Valid() {
			return patch, &domain.ValidationError{Field: "status", Message: "status must be pending or active"}
		}
		patch.Status = &status
	}
	return patch, nil
}

// Response payloads

type SessionResponse struct {
	UserID           string      `json:"user_id"`
	Email            string      `json:"email"`
	Role             domain.Role `json:"role"`
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	AccessExpiresAt  time.Time   `json:"access_expires_at" format:"date-time"`
	RefreshExpiresAt time.Time   `json:"refresh_expires_at" format:"date-time"`
}

type SignUpResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status" example:"pending"`
}

type MeResponse struct {
	UserID string      `json:"user_id"`
	Email  string      `json:"email"`
	Role   domain.Role `json:"role"`
}

type RecordResponse struct {
	domain.WayleaveRecord
	AvailableTransitions []domain.Status `json:"available_transitions"`
}

type RecordListResponse struct {
	Items []RecordResponse `json:"items"`
}

type URLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in" example:"60"`
}

type ProfileListResponse struct {
	Items []domain.UserProfile `json:"items"`
}

func mapRecord(rec domain.WayleaveRecord, role domain.Role) RecordResponse {
	transitions := engine.AvailableTransitions(rec.Status, role)
	if transitions == nil {
		transitions = []domain.Status{}
	}
	if rec.History == nil {
		rec.History = []domain.HistoryEntry{}
	}
	return RecordResponse{WayleaveRecord: rec, AvailableTransitions: transitions}
}

func mapRecords(items []domain.WayleaveRecord, role domain.Role) []RecordResponse {
	out := make([]RecordResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, mapRecord(rec, role))
	}
	return out
}

func mapSession(s domain.Session, role domain.Role) SessionResponse {
	return SessionResponse{
		UserID:           s.UserID,
		Email:            s.Email,
		Role:             role,
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		AccessExpiresAt:  s.AccessExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

func nonNilProfiles(items []domain.UserProfile) []domain.UserProfile {
	if items == nil {
		return []domain.UserProfile{}
	}
	return items
}
