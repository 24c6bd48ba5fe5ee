package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"wayleave/internal/domain"
	"wayleave/internal/obs"
)

// RecordStore is the durable table of wayleave records.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec domain.WayleaveRecord) (int64, error)
	GetRecord(ctx context.Context, id int64) (domain.WayleaveRecord, error)
	ListRecords(ctx context.Context) ([]domain.WayleaveRecord, error)
	UpdateRecord(ctx context.Context, id int64, patch domain.RecordPatch) (domain.WayleaveRecord, error)
	DeleteRecord(ctx context.Context, id int64) error
}

// AttachmentGateway stores blobs by path and signs retrieval URLs.
type AttachmentGateway interface {
	Upload(ctx context.Context, data []byte, name, prefix string) (string, error)
	Remove(ctx context.Context, paths []string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

const DefaultSignedURLTTL = 60 * time.Second

type Engine struct {
	Records      RecordStore
	Attachments  AttachmentGateway
	SignedURLTTL time.Duration
	Now          func() time.Time
	Logger       *log.Logger
}

func New(records RecordStore, attachments AttachmentGateway) Engine {
	return Engine{
		Records:      records,
		Attachments:  attachments,
		SignedURLTTL: DefaultSignedURLTTL,
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// CreateRecord stores a new record at WaitingForAction with its mandatory
// initial attachment.
func (e Engine) CreateRecord(ctx context.Context, actor domain.Role, number string, attachment *domain.Upload) (domain.WayleaveRecord, error) {
	if actor != domain.RolePlanning && actor != domain.RoleAdmin {
		return domain.WayleaveRecord{}, domain.Forbidden("role %s cannot create records", actor)
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.WayleaveRecord{}, &domain.ValidationError{Field: "wayleave_number", Message: "wayleave number is required"}
	}
	if attachment.Empty() {
		return domain.WayleaveRecord{}, &domain.ValidationError{Field: "attachment", Message: "an attachment is required"}
	}
	stored, err := e.upload(ctx, number, attachment)
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	now := e.now()
	rec := domain.WayleaveRecord{
		WayleaveNumber: number,
		Status:         domain.StatusWaitingForAction,
		Attachment:     stored,
		History:        []domain.HistoryEntry{{Status: domain.StatusWaitingForAction, Timestamp: now, Actor: actor}},
		CreatedAt:      now,
	}
	id, err := e.Records.InsertRecord(ctx, rec)
	if err != nil {
		e.discard(ctx, stored.Path)
		return domain.WayleaveRecord{}, err
	}
	rec.ID = id
	return rec, nil
}

// ApplyTransition moves record id to target on behalf of actor. Evidence is
// uploaded before the record is written; any failure leaves the record as it was.
func (e Engine) ApplyTransition(ctx context.Context, id int64, actor domain.Role, target domain.Status, evidence *domain.Upload) (domain.WayleaveRecord, error) {
	if !target.Valid() {
		obs.TransitionRejectionsTotal.WithLabelValues("invalid_target").Inc()
		return domain.WayleaveRecord{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", target)}
	}
	rec, err := e.Records.GetRecord(ctx, id)
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	if err := CheckTransition(actor, rec.Status, target); err != nil {
		obs.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return domain.WayleaveRecord{}, err
	}
	if target == domain.StatusPendingFinalReview && evidence.Empty() {
		obs.TransitionRejectionsTotal.WithLabelValues("missing_evidence").Inc()
		return domain.WayleaveRecord{}, domain.MissingEvidence()
	}

	history := append(append([]domain.HistoryEntry(nil), rec.History...), domain.HistoryEntry{
		Status:    target,
		Timestamp: nextTimestamp(rec.History, e.now()),
		Actor:     actor,
	})
	patch := domain.RecordPatch{
		Status:  &target,
		History: history,
		Expect:  &domain.RecordState{Status: rec.Status, HistoryLen: len(rec.History)},
	}

	var uploaded string
	if !evidence.Empty() {
		if rec.ApprovedAttachment != nil {
			e.logger().Printf("engine: record %d already has approved attachment %s; new evidence ignored", rec.ID, rec.ApprovedAttachment.Path)
		} else {
			stored, err := e.upload(ctx, rec.WayleaveNumber, evidence)
			if err != nil {
				return domain.WayleaveRecord{}, err
			}
			uploaded = stored.Path
			patch.ApprovedAttachment = &stored
		}
	}

	updated, err := e.Records.UpdateRecord(ctx, id, patch)
	if err != nil {
		if uploaded != "" {
			e.discard(ctx, uploaded)
		}
		if errors.Is(err, domain.ErrStaleRecord) {
			obs.TransitionRejectionsTotal.WithLabelValues("stale").Inc()
			return domain.WayleaveRecord{}, &domain.TransitionError{Actor: actor, From: rec.Status, To: target, Stale: true}
		}
		return domain.WayleaveRecord{}, err
	}
	obs.TransitionsTotal.WithLabelValues(string(rec.Status), string(target), string(actor)).Inc()
	return updated, nil
}

// DeleteRecord removes a record and, best effort, both of its attachments.
// Blob removal failures are logged and never block the delete.
func (e Engine) DeleteRecord(ctx context.Context, actor domain.Role, id int64) error {
	if actor != domain.RoleAdmin {
		return domain.Forbidden("only Admin can delete records")
	}
	rec, err := e.Records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	paths := []string{rec.Attachment.Path}
	if rec.ApprovedAttachment != nil {
		paths = append(paths, rec.ApprovedAttachment.Path)
	}
	if err := e.Attachments.Remove(ctx, paths); err != nil {
		orphan := &domain.OrphanError{RecordID: id, Paths: paths, Err: err}
		obs.OrphanedAttachmentsTotal.Add(float64(len(paths)))
		e.logger().Printf("engine: %v", orphan)
	}
	return e.Records.DeleteRecord(ctx, id)
}

// UpdateRecordNumber renames a record. History is untouched.
func (e Engine) UpdateRecordNumber(ctx context.Context, actor domain.Role, id int64, number string) (domain.WayleaveRecord, error) {
	if actor != domain.RoleAdmin {
		return domain.WayleaveRecord{}, domain.Forbidden("only Admin can edit wayleave numbers")
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.WayleaveRecord{}, &domain.ValidationError{Field: "wayleave_number", Message: "wayleave number is required"}
	}
	return e.Records.UpdateRecord(ctx, id, domain.RecordPatch{WayleaveNumber: &number})
}

// AttachmentKind selects one of a record's two attachments.
type AttachmentKind string

const (
	AttachmentInitial  AttachmentKind = "initial"
	AttachmentApproved AttachmentKind = "approved"
)

func ParseAttachmentKind(v string) (AttachmentKind, error) {
	switch AttachmentKind(strings.ToLower(strings.TrimSpace(v))) {
	case AttachmentInitial, "":
		return AttachmentInitial, nil
	case AttachmentApproved:
		return AttachmentApproved, nil
	}
	return "", &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown attachment kind %q", v)}
}

// AttachmentURL returns a short-lived signed URL for one of the record's attachments.
func (e Engine) AttachmentURL(ctx context.Context, id int64, kind AttachmentKind) (string, error) {
	rec, err := e.Records.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	att := rec.Attachment
	if kind == AttachmentApproved {
		if rec.ApprovedAttachment == nil {
			return "", fmt.Errorf("record %d has no approved attachment: %w", id, domain.ErrNotFound)
		}
		att = *rec.ApprovedAttachment
	}
	ttl := e.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return e.Attachments.SignedURL(ctx, att.Path, ttl)
}

func (e Engine) upload(ctx context.Context, number string, u *domain.Upload) (domain.Attachment, error) {
	path, err := e.Attachments.Upload(ctx, u.Data, u.Name, number)
	if err != nil {
		return domain.Attachment{}, &domain.StoreError{Op: "upload attachment", Kind: domain.ErrStoreUnavailable, Err: err}
	}
	return domain.Attachment{Name: u.Name, Size: int64(len(u.Data)), Path: path}, nil
}

// discard removes a blob whose record write failed.
func (e Engine) discard(ctx context.Context, path string) {
	if err := e.Attachments.Remove(context.WithoutCancel(ctx), []string{path}); err != nil {
		e.logger().Printf("engine: %v", &domain.OrphanError{Paths: []string{path}, Err: err})
	}
}

// nextTimestamp keeps history strictly increasing even when the clock has
// not advanced past the previous entry.
func nextTimestamp(history []domain.HistoryEntry, now time.Time) time.Time {
	if len(history) == 0 {
		return now
	}
	last := history[len(history)-1].Timestamp
	if now.After(last) {
		return now
	}
	return last.Add(time.Millisecond)
}
