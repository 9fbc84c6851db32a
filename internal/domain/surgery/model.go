package surgery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format of Case.Date and history dates.
const DateLayout = "2006-01-02"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusDeferred  Status = "deferred"
	StatusCompleted Status = "completed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusScheduled, StatusCancelled, StatusDeferred, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCancelled, StatusDeferred, StatusCompleted:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

type CaseType string

const (
	CaseTypeElective  CaseType = "elective"
	CaseTypeEmergency CaseType = "emergency"
)

type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

const (
	PatientTypeAdmission = "admission"
	PatientTypeDaycase   = "daycase"
	PatientTypeWard      = "ward"
)

// CancellationEntry records one cancellation that was rebooked to a new date.
// Stored inline on the case row as JSONB.
type CancellationEntry struct {
	Reason       string    `json:"reason"`
	OriginalDate string    `json:"original_date"`
	CancelledAt  time.Time `json:"cancelled_at"`
}

// DeferralEntry maps to the deferral_history table.
type DeferralEntry struct {
	ID           uuid.UUID `db:"id" json:"id"`
	CaseID       uuid.UUID `db:"case_id" json:"case_id"`
	Reason       string    `db:"reason" json:"reason"`
	OriginalDate string    `db:"original_date" json:"original_date"`
	DeferredAt   time.Time `db:"deferred_at" json:"deferred_at"`
}

// Case maps to the surgical_cases table. DeferralHistory is loaded from
// deferral_history, newest first.
type Case struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	PatientName         string              `db:"patient_name" json:"patient_name"`
	Age                 int                 `db:"age" json:"age"`
	Sex                 Sex                 `db:"sex" json:"sex"`
	Origin              *string             `db:"origin" json:"origin,omitempty"`
	PlaceOfResidence    *string             `db:"place_of_residence" json:"place_of_residence,omitempty"`
	Diagnoses           []string            `db:"diagnoses" json:"diagnoses"`
	Procedures          []string            `db:"procedures" json:"procedures"`
	Doctor              string              `db:"doctor" json:"doctor"`
	Specialty           string              `db:"specialty" json:"specialty"`
	Notes               *string             `db:"notes" json:"notes,omitempty"`
	Date                string              `db:"date" json:"date"`
	Time                *string             `db:"time" json:"time,omitempty"`
	FastingTime         *string             `db:"fasting_time" json:"fasting_time,omitempty"`
	ContactDetails      *string             `db:"contact_details" json:"contact_details,omitempty"`
	IsReferral          bool                `db:"is_referral" json:"is_referral"`
	ReferralDetails     *string             `db:"referral_details" json:"referral_details,omitempty"`
	PatientType         *string             `db:"patient_type" json:"patient_type,omitempty"`
	WardNumber          *string             `db:"ward_number" json:"ward_number,omitempty"`
	AdmissionSource     *string             `db:"admission_source" json:"admission_source,omitempty"`
	Priority            bool                `db:"priority" json:"priority"`
	CaseType            CaseType            `db:"case_type" json:"case_type"`
	Status              Status              `db:"status" json:"status"`
	ConfirmedOnOTList   bool                `db:"confirmed_on_ot_list" json:"confirmed_on_ot_list"`
	RebookCount         int                 `db:"rebook_count" json:"rebook_count"`
	OriginalDate        *string             `db:"original_date" json:"original_date,omitempty"`
	CancellationReason  *string             `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancellationHistory []CancellationEntry `db:"cancellation_history" json:"cancellation_history"`
	DeferralReason      *string             `db:"deferral_reason" json:"deferral_reason,omitempty"`
	DeferralHistory     []DeferralEntry     `db:"-" json:"deferral_history"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias store-owned slices
// or pointers.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Origin = cloneStr(c.Origin)
	out.PlaceOfResidence = cloneStr(c.PlaceOfResidence)
	out.Diagnoses = append([]string(nil), c.Diagnoses...)
	out.Procedures = append([]string(nil), c.Procedures...)
	out.Notes = cloneStr(c.Notes)
	out.Time = cloneStr(c.Time)
	out.FastingTime = cloneStr(c.FastingTime)
	out.ContactDetails = cloneStr(c.ContactDetails)
	out.ReferralDetails = cloneStr(c.ReferralDetails)
	out.PatientType = cloneStr(c.PatientType)
	out.WardNumber = cloneStr(c.WardNumber)
	out.AdmissionSource = cloneStr(c.AdmissionSource)
	out.OriginalDate = cloneStr(c.OriginalDate)
	out.CancellationReason = cloneStr(c.CancellationReason)
	out.DeferralReason = cloneStr(c.DeferralReason)
	out.CancellationHistory = append([]CancellationEntry{}, c.CancellationHistory...)
	out.DeferralHistory = append([]DeferralEntry{}, c.DeferralHistory...)
	return &out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NewCase is the input to Store.Create.
type NewCase struct {
	PatientName       string   `json:"patient_name" validate:"required,max=200"`
	Age               int      `json:"age" validate:"gte=0,lte=150"`
	Sex               Sex      `json:"sex" validate:"required,oneof=male female"`
	Origin            *string  `json:"origin,omitempty"`
	PlaceOfResidence  *string  `json:"place_of_residence,omitempty"`
	Diagnoses         []string `json:"diagnoses" validate:"required,min=1,dive,required"`
	Procedures        []string `json:"procedures" validate:"required,min=1,dive,required"`
	Doctor            string   `json:"doctor" validate:"required"`
	Specialty         string   `json:"specialty" validate:"required"`
	Notes             *string  `json:"notes,omitempty"`
	Date              string   `json:"date" validate:"required,datetime=2006-01-02"`
	Time              *string  `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	FastingTime       *string  `json:"fasting_time,omitempty"`
	ContactDetails    *string  `json:"contact_details,omitempty"`
	IsReferral        bool     `json:"is_referral"`
	ReferralDetails   *string  `json:"referral_details,omitempty"`
	PatientType       *string  `json:"patient_type,omitempty" validate:"omitempty,oneof=admission daycase ward"`
	WardNumber        *string  `json:"ward_number,omitempty"`
	AdmissionSource   *string  `json:"admission_source,omitempty" validate:"omitempty,oneof=sopc oncology"`
	Priority          bool     `json:"priority"`
	CaseType          CaseType `json:"case_type,omitempty" validate:"omitempty,oneof=elective emergency"`
	Status            Status   `json:"status,omitempty" validate:"omitempty,oneof=scheduled cancelled deferred completed"`
	ConfirmedOnOTList bool     `json:"confirmed_on_ot_list"`
}

// toCase builds the initial case: scheduled unless told otherwise, never
// rebooked, empty histories.
func (n *NewCase) toCase() *Case {
	c := &Case{
		PatientName:         n.PatientName,
		Age:                 n.Age,
		Sex:                 n.Sex,
		Origin:              blankToNil(n.Origin),
		PlaceOfResidence:    blankToNil(n.PlaceOfResidence),
		Diagnoses:           append([]string(nil), n.Diagnoses...),
		Procedures:          append([]string(nil), n.Procedures...),
		Doctor:              n.Doctor,
		Specialty:           n.Specialty,
		Notes:               blankToNil(n.Notes),
		Date:                n.Date,
		Time:                blankToNil(n.Time),
		FastingTime:         blankToNil(n.FastingTime),
		ContactDetails:      blankToNil(n.ContactDetails),
		IsReferral:          n.IsReferral,
		ReferralDetails:     blankToNil(n.ReferralDetails),
		PatientType:         blankToNil(n.PatientType),
		WardNumber:          blankToNil(n.WardNumber),
		AdmissionSource:     blankToNil(n.AdmissionSource),
		Priority:            n.Priority,
		CaseType:            n.CaseType,
		Status:              n.Status,
		ConfirmedOnOTList:   n.ConfirmedOnOTList,
		CancellationHistory: []CancellationEntry{},
		DeferralHistory:     []DeferralEntry{},
	}
	if c.CaseType == "" {
		c.CaseType = CaseTypeElective
	}
	if c.Status == "" {
		c.Status = StatusScheduled
	}
	return c
}

func blankToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}

// CaseUpdate is a partial update: nil fields are left unchanged. NewDate is
// a proposed rebooking date that only accompanies a cancel or defer.
type CaseUpdate struct {
	PatientName        *string   `json:"patient_name,omitempty" validate:"omitempty,min=1,max=200"`
	Age                *int      `json:"age,omitempty" validate:"omitempty,gte=0,lte=150"`
	Sex                *Sex      `json:"sex,omitempty" validate:"omitempty,oneof=male female"`
	Origin             *string   `json:"origin,omitempty"`
	PlaceOfResidence   *string   `json:"place_of_residence,omitempty"`
	Diagnoses          *[]string `json:"diagnoses,omitempty" validate:"omitempty,min=1,dive,required"`
	Procedures         *[]string `json:"procedures,omitempty" validate:"omitempty,min=1,dive,required"`
	Doctor             *string   `json:"doctor,omitempty" validate:"omitempty,min=1"`
	Specialty          *string   `json:"specialty,omitempty" validate:"omitempty,min=1"`
	Notes              *string   `json:"notes,omitempty"`
	Date               *string   `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Time               *string   `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	FastingTime        *string   `json:"fasting_time,omitempty"`
	ContactDetails     *string   `json:"contact_details,omitempty"`
	IsReferral         *bool     `json:"is_referral,omitempty"`
	ReferralDetails    *string   `json:"referral_details,omitempty"`
	PatientType        *string   `json:"patient_type,omitempty" validate:"omitempty,oneof=admission daycase ward"`
	WardNumber         *string   `json:"ward_number,omitempty"`
	AdmissionSource    *string   `json:"admission_source,omitempty" validate:"omitempty,oneof=sopc oncology"`
	Priority           *bool     `json:"priority,omitempty"`
	CaseType           *CaseType `json:"case_type,omitempty" validate:"omitempty,oneof=elective emergency"`
	Status             *Status   `json:"status,omitempty" validate:"omitempty,oneof=scheduled cancelled deferred completed"`
	ConfirmedOnOTList  *bool     `json:"confirmed_on_ot_list,omitempty"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	DeferralReason     *string   `json:"deferral_reason,omitempty"`
	NewDate            *string   `json:"new_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// ChangeType names the kind of change carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is published to store subscribers after every accepted local
// mutation and every merged remote change. Case is nil for deletes.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	CaseID uuid.UUID  `json:"case_id"`
	Case   *Case      `json:"case,omitempty"`
	Remote bool       `json:"remote"`
}
