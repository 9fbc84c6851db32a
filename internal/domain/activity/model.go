package activity

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is the number of entries kept per user.
const DefaultLimit = 100

// Entry is one row of the activity log, newest first when listed.
type Entry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	User        string    `db:"user_name" json:"user"`
	Action      string    `db:"action" json:"action"`
	CaseID      uuid.UUID `db:"case_id" json:"case_id"`
	PatientName string    `db:"patient_name" json:"patient_name"`
	Changes     string    `db:"changes" json:"changes"`
	Timestamp   time.Time `db:"recorded_at" json:"timestamp"`
}
