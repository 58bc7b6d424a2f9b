package handler

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/apperr"
	"geoattend/internal/attendance"
	"geoattend/internal/model"
)

// Submitter decides attendance submissions.
type Submitter interface {
	Submit(ctx context.Context, sub attendance.Submission) (attendance.Verdict, error)
}

// AttendanceHandler exposes the attendance submission endpoint.
type AttendanceHandler struct {
	svc      Submitter
	maxBytes int64
	loc      *time.Location
}

// NewAttendanceHandler creates a handler. Images above maxBytes are refused.
func NewAttendanceHandler(svc Submitter, maxBytes int64, loc *time.Location) *AttendanceHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AttendanceHandler{svc: svc, maxBytes: maxBytes, loc: loc}
}

// VerdictResponse is the JSON body returned for every decided submission.
type VerdictResponse struct {
	Outcome   attendance.Outcome `json:"outcome"`
	Reason    attendance.Reason  `json:"reason,omitempty"`
	Message   string             `json:"message"`
	Zone      string             `json:"zone,omitempty"`
	Distance  *float64           `json:"distance,omitempty"`
	Retryable bool               `json:"retryable"`
	Event     *EventView         `json:"event,omitempty"`
}

// EventView is an event with its timestamp rendered in the display zone.
type EventView struct {
	model.Event
	LocalTime string `json:"local_time"`
}

func viewEvent(e model.Event, loc *time.Location) EventView {
	return EventView{Event: e, LocalTime: e.OccurredAt.In(loc).Format(time.RFC3339)}
}

// Submit handles POST /v1/attendance.
func (h *AttendanceHandler) Submit(c *gin.Context) {
	// multipart framing adds a little on top of the image itself
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)

	sub, err := h.parse(c)
	if err != nil {
		respondError(c, err)
		return
	}

	verdict, err := h.svc.Submit(c.Request.Context(), sub)
	if err != nil {
		if errors.Is(err, attendance.ErrInvalidSubmission) {
			respondError(c, apperr.Wrap(err, apperr.ErrValidation, err.Error()))
			return
		}
		respondError(c, err)
		return
	}

	resp := VerdictResponse{
		Outcome:   verdict.Outcome,
		Reason:    verdict.Reason,
		Message:   verdict.Message(),
		Zone:      verdict.Zone,
		Distance:  verdict.Distance,
		Retryable: verdict.Retryable(),
	}
	if verdict.Event != nil {
		v := viewEvent(*verdict.Event, h.loc)
		resp.Event = &v
	}
	respond(c, StatusFor(verdict), resp, nil)
}

func (h *AttendanceHandler) parse(c *gin.Context) (attendance.Submission, error) {
	if err := c.Request.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return attendance.Submission{}, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit")
		}
		return attendance.Submission{}, apperr.Wrap(err, apperr.ErrValidation, "expected a multipart form")
	}

	lat, err := parseCoordinate(c.PostForm("latitude"), 90)
	if err != nil {
		return attendance.Submission{}, apperr.Wrap(err, apperr.ErrValidation, "latitude must be a number between -90 and 90")
	}
	lon, err := parseCoordinate(c.PostForm("longitude"), 180)
	if err != nil {
		return attendance.Submission{}, apperr.Wrap(err, apperr.ErrValidation, "longitude must be a number between -180 and 180")
	}

	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		return attendance.Submission{}, apperr.Wrap(err, apperr.ErrValidation, "photo is required")
	}
	defer file.Close()
	if header.Size > h.maxBytes {
		return attendance.Submission{}, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit")
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		return attendance.Submission{}, apperr.Wrap(err, apperr.ErrValidation, "could not read photo")
	}
	if int64(len(data)) > h.maxBytes {
		return attendance.Submission{}, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit")
	}

	return attendance.Submission{
		SubjectID: strings.TrimSpace(c.PostForm("subject_id")),
		ZoneID:    strings.TrimSpace(c.PostForm("zone_id")),
		Latitude:  lat,
		Longitude: lon,
		Image:     data,
		Name:      strings.TrimSpace(c.PostForm("name")),
	}, nil
}

func parseCoordinate(raw string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -limit || v > limit {
		return 0, errors.New("coordinate out of range")
	}
	return v, nil
}

// StatusFor maps a verdict to its HTTP status.
func StatusFor(v attendance.Verdict) int {
	switch v.Outcome {
	case attendance.OutcomeEnrolled:
		return http.StatusCreated
	case attendance.OutcomePresent:
		return http.StatusOK
	}
	switch v.Reason {
	case attendance.ReasonOutsideZone:
		return http.StatusForbidden
	case attendance.ReasonDuplicateWithinWindow, attendance.ReasonConcurrentEnrollment:
		return http.StatusConflict
	case attendance.ReasonFaceMismatch:
		return http.StatusUnauthorized
	case attendance.ReasonZoneNotFound:
		return http.StatusNotFound
	case attendance.ReasonVerificationFailed:
		return http.StatusServiceUnavailable
	case attendance.ReasonSubjectBusy:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
