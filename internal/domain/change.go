package domain

// ChangeKind is the kind of a record change-feed event.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "insert"
	ChangeUpdated  ChangeKind = "update"
	ChangeDeleted  ChangeKind = "delete"
)

// Change is one change-feed event keyed by record id. Record is nil for deletes.
type Change struct {
	Seq      int64           `json:"seq"`
	Kind     ChangeKind      `json:"kind" enum:"insert,update,delete"`
	RecordID int64           `json:"record_id"`
	Record   *WayleaveRecord `json:"record,omitempty"`
}

func Inserted(r WayleaveRecord) Change {
	return Change{Kind: ChangeInserted, RecordID: r.ID, Record: &r}
}

func Updated(r WayleaveRecord) Change {
	return Change{Kind: ChangeUpdated, RecordID: r.ID, Record: &r}
}

func Deleted(id int64) Change {
	return Change{Kind: ChangeDeleted, RecordID: id}
}
