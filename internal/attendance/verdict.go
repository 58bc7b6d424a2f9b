package attendance

import (
	"fmt"

	"geoattend/internal/model"
)

// Outcome is the top-level result of a submission.
type Outcome string

const (
	OutcomeEnrolled Outcome = "enrolled"
	OutcomePresent  Outcome = "present"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Reason explains a rejection or an error.
type Reason string

// Rejections are user-actionable.
const (
	ReasonOutsideZone           Reason = "outside_zone"
	ReasonDuplicateWithinWindow Reason = "duplicate_within_window"
	ReasonFaceMismatch          Reason = "face_mismatch"
)

// Errors are system faults.
const (
	ReasonZoneNotFound         Reason = "zone_not_found"
	ReasonVerificationFailed   Reason = "verification_failed"
	ReasonConcurrentEnrollment Reason = "concurrent_enrollment"
	ReasonSubjectBusy          Reason = "subject_busy"
	ReasonStorageFailure       Reason = "storage_failure"
)

// Verdict is the structured answer to a submission. Event is set only on
// acceptance.
type Verdict struct {
	Outcome  Outcome      `json:"outcome"`
	Reason   Reason       `json:"reason,omitempty"`
	Zone     string       `json:"zone,omitempty"`
	Distance *float64     `json:"distance,omitempty"`
	Event    *model.Event `json:"event,omitempty"`
}

// Accepted reports whether an attendance event was written.
func (v Verdict) Accepted() bool {
	return v.Outcome == OutcomeEnrolled || v.Outcome == OutcomePresent
}

// Retryable reports whether resubmitting the same input may succeed later.
func (v Verdict) Retryable() bool {
	if v.Outcome != OutcomeError {
		return false
	}
	switch v.Reason {
	case ReasonVerificationFailed, ReasonSubjectBusy, ReasonStorageFailure:
		return true
	}
	return false
}

// Message is a human-readable explanation for the caller.
func (v Verdict) Message() string {
	switch v.Outcome {
	case OutcomeEnrolled:
		return "enrolled and marked present"
	case OutcomePresent:
		return "marked present"
	}
	switch v.Reason {
	case ReasonOutsideZone:
		return fmt.Sprintf("outside classroom %s", v.Zone)
	case ReasonDuplicateWithinWindow:
		return "attendance already marked recently"
	case ReasonFaceMismatch:
		return "face does not match, please retake the photo"
	case ReasonZoneNotFound:
		return "classroom not found"
	case ReasonVerificationFailed:
		return "face verification failed, try again later"
	case ReasonConcurrentEnrollment:
		return "subject is being enrolled by another request"
	case ReasonSubjectBusy:
		return "another submission for this subject is in progress"
	case ReasonStorageFailure:
		return "attendance could not be recorded, try again later"
	}
	return string(v.Reason)
}

func accepted(outcome Outcome, evt model.Event) Verdict {
	return Verdict{Outcome: outcome, Zone: evt.ZoneName, Distance: evt.Distance, Event: &evt}
}

func rejected(reason Reason, zone string) Verdict {
	return Verdict{Outcome: OutcomeRejected, Reason: reason, Zone: zone}
}

func failed(reason Reason, zone string) Verdict {
	return Verdict{Outcome: OutcomeError, Reason: reason, Zone: zone}
}
