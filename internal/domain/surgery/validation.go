package surgery

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError flattens validator output into a single ErrValidation.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// Validate checks a new case. Cases start scheduled or completed; cancelling
// and deferring always go through an update so a reason is captured. Empty
// optional strings count as unset.
func (n *NewCase) Validate() error {
	v := *n
	v.Time = blankToNil(n.Time)
	v.PatientType = blankToNil(n.PatientType)
	v.AdmissionSource = blankToNil(n.AdmissionSource)
	if err := validate.Struct(&v); err != nil {
		return validationError(err)
	}
	if n.Status == StatusCancelled || n.Status == StatusDeferred {
		return fmt.Errorf("%w: status: a new case cannot be %s", ErrValidation, n.Status)
	}
	return nil
}

// Validate checks upd against the case it will be applied to. An empty
// optional string clears the field and is not checked against its format.
func (u *CaseUpdate) Validate(original *Case) error {
	v := *u
	v.Time = blankToNil(u.Time)
	v.PatientType = blankToNil(u.PatientType)
	v.AdmissionSource = blankToNil(u.AdmissionSource)
	if err := validate.Struct(&v); err != nil {
		return validationError(err)
	}
	if u.Diagnoses != nil && len(*u.Diagnoses) == 0 {
		return fmt.Errorf("%w: diagnoses: at least one required", ErrValidation)
	}
	if u.Procedures != nil && len(*u.Procedures) == 0 {
		return fmt.Errorf("%w: procedures: at least one required", ErrValidation)
	}
	if u.Status == nil {
		if u.NewDate != nil {
			return fmt.Errorf("%w: new_date: requires status cancelled or deferred", ErrValidation)
		}
		return nil
	}

	switch *u.Status {
	case StatusCancelled:
		if original.Status != StatusCancelled || u.NewDate != nil {
			if blank(reasonFor(u.CancellationReason, existingReason(original, StatusCancelled))) {
				return fmt.Errorf("%w: cancellation_reason: required when cancelling", ErrValidation)
			}
		}
	case StatusDeferred:
		if original.Status != StatusDeferred || u.NewDate != nil {
			if blank(reasonFor(u.DeferralReason, existingReason(original, StatusDeferred))) {
				return fmt.Errorf("%w: deferral_reason: required when deferring", ErrValidation)
			}
		}
	case StatusScheduled, StatusCompleted:
		if u.NewDate != nil {
			return fmt.Errorf("%w: new_date: requires status cancelled or deferred", ErrValidation)
		}
	}
	return nil
}

// existingReason returns the reason already on original when it is in the
// given status, so re-saving a cancelled or deferred case need not repeat it.
func existingReason(original *Case, st Status) *string {
	if original.Status != st {
		return nil
	}
	if st == StatusCancelled {
		return original.CancellationReason
	}
	return original.DeferralReason
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
