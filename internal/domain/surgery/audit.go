package surgery

import (
	"fmt"
	"strings"
)

// Activity actions and their fixed texts.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"

	CreatedDescription = "New case created"
	DeletedDescription = "Case deleted"
	minorUpdates       = "Minor updates"
)

// DescribeChanges renders the human-readable audit text for an update,
// e.g. "Status: scheduled → cancelled, Cancellation reason: patient unwell".
func DescribeChanges(original, updated *Case) string {
	var changes []string
	add := func(format string, args ...interface{}) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if original.PatientName != updated.PatientName {
		add("Name: %s → %s", original.PatientName, updated.PatientName)
	}
	if original.Status != updated.Status {
		add("Status: %s → %s", original.Status, updated.Status)
	}
	if original.Date != updated.Date {
		add("Date: %s → %s", original.Date, updated.Date)
	}
	if strVal(original.Time) != strVal(updated.Time) {
		add("Time: %s → %s", orNone(original.Time), orNone(updated.Time))
	}
	if original.Doctor != updated.Doctor {
		add("Doctor: %s → %s", original.Doctor, updated.Doctor)
	}
	if original.Specialty != updated.Specialty {
		add("Specialty: %s → %s", original.Specialty, updated.Specialty)
	}
	if original.Priority != updated.Priority {
		add("Priority: %s → %s", yesNo(original.Priority), yesNo(updated.Priority))
	}
	if original.ConfirmedOnOTList != updated.ConfirmedOnOTList {
		add("OT List: %s → %s", confirmed(original.ConfirmedOnOTList), confirmed(updated.ConfirmedOnOTList))
	}
	if r := strVal(updated.CancellationReason); r != "" && r != strVal(original.CancellationReason) {
		add("Cancellation reason: %s", r)
	}
	if n := len(updated.CancellationHistory); n > len(original.CancellationHistory) {
		add("Cancellation reason: %s", updated.CancellationHistory[n-1].Reason)
	}
	if r := strVal(updated.DeferralReason); r != "" && r != strVal(original.DeferralReason) {
		add("Deferral reason: %s", r)
	}

	if len(changes) == 0 {
		return minorUpdates
	}
	return strings.Join(changes, ", ")
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "none"
	}
	return *s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func confirmed(b bool) string {
	if b {
		return "Confirmed"
	}
	return "Not confirmed"
}
