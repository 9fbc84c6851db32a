package surgery

import (
	"fmt"
	"reflect"
	"time"
)

// Resolution is the outcome of running a CaseUpdate through the lifecycle
// rules. Case is the complete next state; Deferral, when set, is the
// deferral-history row that must be persisted alongside it.
type Resolution struct {
	Case        *Case
	Deferral    *DeferralEntry
	Rebooked    bool
	ConfirmOnly bool
}

// Resolve computes the next state of original under upd. It performs no I/O
// and never mutates original. Callers validate upd first; a resolved status
// outside the closed Status set is a programming error and panics.
//
// At most one rebook is counted per update, whichever rule triggers it.
func Resolve(original *Case, upd *CaseUpdate, now time.Time) *Resolution {
	if confirmOnly(original, upd) {
		next := original.Clone()
		next.ConfirmedOnOTList = *upd.ConfirmedOnOTList
		return &Resolution{Case: next, ConfirmOnly: true}
	}

	next := original.Clone()
	applyFields(next, upd)
	res := &Resolution{Case: next}

	requested := original.Status
	if upd.Status != nil {
		requested = *upd.Status
	}

	switch requested {
	case StatusCancelled:
		if upd.NewDate != nil {
			next.CancellationHistory = append(next.CancellationHistory, CancellationEntry{
				Reason:       reasonFor(upd.CancellationReason, original.CancellationReason),
				OriginalDate: original.Date,
				CancelledAt:  now,
			})
			next.Date = *upd.NewDate
			next.Status = StatusScheduled
			next.CancellationReason = nil
			res.Rebooked = true
		} else if upd.CancellationReason != nil {
			next.CancellationReason = cloneStr(upd.CancellationReason)
		}

	case StatusDeferred:
		if upd.DeferralReason != nil {
			next.DeferralReason = cloneStr(upd.DeferralReason)
		}
		if upd.NewDate != nil {
			next.Date = *upd.NewDate
			res.Rebooked = true
		}
		if original.Status != StatusDeferred || upd.NewDate != nil {
			res.Deferral = &DeferralEntry{
				CaseID:       original.ID,
				Reason:       strVal(next.DeferralReason),
				OriginalDate: original.Date,
				DeferredAt:   now,
			}
		}

	case StatusScheduled, StatusCompleted:
		// Plain field changes only.

	default:
		panic(fmt.Sprintf("surgery: unhandled status %q", requested))
	}

	// A reason only stands while the case is in its status.
	if next.Status != StatusCancelled {
		next.CancellationReason = nil
	}
	if next.Status != StatusDeferred {
		next.DeferralReason = nil
	}

	if !res.Rebooked && next.Status != StatusDeferred && rescheduled(original, next) {
		res.Rebooked = true
	}

	if res.Rebooked {
		next.RebookCount = original.RebookCount + 1
		if next.OriginalDate == nil {
			d := original.Date
			next.OriginalDate = &d
		}
	}
	return res
}

func reasonFor(requested, current *string) string {
	if requested != nil {
		return *requested
	}
	return strVal(current)
}

func rescheduled(before, after *Case) bool {
	return before.Date != after.Date || strVal(before.Time) != strVal(after.Time)
}

// confirmOnly reports whether upd flips confirmed_on_ot_list and changes
// nothing else about the case.
func confirmOnly(original *Case, upd *CaseUpdate) bool {
	if upd.ConfirmedOnOTList == nil || *upd.ConfirmedOnOTList == original.ConfirmedOnOTList {
		return false
	}
	if upd.NewDate != nil {
		return false
	}
	if upd.CancellationReason != nil && *upd.CancellationReason != strVal(original.CancellationReason) {
		return false
	}
	if upd.DeferralReason != nil && *upd.DeferralReason != strVal(original.DeferralReason) {
		return false
	}

	rest := *upd
	rest.ConfirmedOnOTList = nil
	probe := original.Clone()
	applyFields(probe, &rest)
	return reflect.DeepEqual(probe, original.Clone())
}

// applyFields copies every plain attribute present in upd. Status is copied
// as requested; the lifecycle rules in Resolve may override it.
func applyFields(c *Case, upd *CaseUpdate) {
	if upd.PatientName != nil {
		c.PatientName = *upd.PatientName
	}
	if upd.Age != nil {
		c.Age = *upd.Age
	}
	if upd.Sex != nil {
		c.Sex = *upd.Sex
	}
	if upd.Origin != nil {
		c.Origin = blankToNil(upd.Origin)
	}
	if upd.PlaceOfResidence != nil {
		c.PlaceOfResidence = blankToNil(upd.PlaceOfResidence)
	}
	if upd.Diagnoses != nil {
		c.Diagnoses = append([]string(nil), (*upd.Diagnoses)...)
	}
	if upd.Procedures != nil {
		c.Procedures = append([]string(nil), (*upd.Procedures)...)
	}
	if upd.Doctor != nil {
		c.Doctor = *upd.Doctor
	}
	if upd.Specialty != nil {
		c.Specialty = *upd.Specialty
	}
	if upd.Notes != nil {
		c.Notes = blankToNil(upd.Notes)
	}
	if upd.Date != nil {
		c.Date = *upd.Date
	}
	if upd.Time != nil {
		c.Time = blankToNil(upd.Time)
	}
	if upd.FastingTime != nil {
		c.FastingTime = blankToNil(upd.FastingTime)
	}
	if upd.ContactDetails != nil {
		c.ContactDetails = blankToNil(upd.ContactDetails)
	}
	if upd.IsReferral != nil {
		c.IsReferral = *upd.IsReferral
	}
	if upd.ReferralDetails != nil {
		c.ReferralDetails = blankToNil(upd.ReferralDetails)
	}
	if upd.PatientType != nil {
		c.PatientType = blankToNil(upd.PatientType)
	}
	if upd.WardNumber != nil {
		c.WardNumber = blankToNil(upd.WardNumber)
	}
	if upd.AdmissionSource != nil {
		c.AdmissionSource = blankToNil(upd.AdmissionSource)
	}
	if upd.Priority != nil {
		c.Priority = *upd.Priority
	}
	if upd.CaseType != nil {
		c.CaseType = *upd.CaseType
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.ConfirmedOnOTList != nil {
		c.ConfirmedOnOTList = *upd.ConfirmedOnOTList
	}
}
