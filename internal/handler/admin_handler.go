package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/apperr"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/model"
)

// Authenticator logs admins in.
type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.Token, error)
}

// Directory is the admin view over zones, subjects and the attendance log.
type Directory interface {
	UpsertZone(ctx context.Context, name string, latA, latB, lonA, lonB float64) (*model.Zone, error)
	ListZones(ctx context.Context) ([]model.Zone, error)
	ListSubjects(ctx context.Context) ([]model.Subject, error)
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error)
}

// Registrar enrolls subjects without recording attendance.
type Registrar interface {
	Register(ctx context.Context, subjectID, name string, image []byte) (model.Subject, error)
}

// Announcer is told about explicitly registered subjects.
type Announcer interface {
	Announce(ctx context.Context, s model.Subject)
}

// LiveFeed streams accepted events to a websocket client.
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, user string) error
}

// AdminHandler wires the admin API.
type AdminHandler struct {
	auth      Authenticator
	dir       Directory
	registrar Registrar
	announcer Announcer
	live      LiveFeed
	maxBytes  int64
	loc       *time.Location
}

// NewAdminHandler creates the handler. announcer and live may be nil.
func NewAdminHandler(authn Authenticator, dir Directory, registrar Registrar, announcer Announcer, live LiveFeed, maxBytes int64, loc *time.Location) *AdminHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminHandler{auth: authn, dir: dir, registrar: registrar, announcer: announcer, live: live, maxBytes: maxBytes, loc: loc}
}

// Login handles POST /v1/admin/login.
func (h *AdminHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, "invalid login payload"))
		return
	}
	token, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, token, nil)
}

// ZoneRequest sets a zone's rectangle. Corners may be given in any order.
type ZoneRequest struct {
	LatA *float64 `json:"lat_a" binding:"required,gte=-90,lte=90"`
	LatB *float64 `json:"lat_b" binding:"required,gte=-90,lte=90"`
	LonA *float64 `json:"lon_a" binding:"required,gte=-180,lte=180"`
	LonB *float64 `json:"lon_b" binding:"required,gte=-180,lte=180"`
}

// PutZone handles PUT /v1/admin/zones/:name.
func (h *AdminHandler) PutZone(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" || len(name) > 100 {
		respondError(c, apperr.Clone(apperr.ErrValidation, "zone name must be 1-100 characters"))
		return
	}
	var req ZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, "invalid zone payload"))
		return
	}
	zone, err := h.dir.UpsertZone(c.Request.Context(), name, *req.LatA, *req.LatB, *req.LonA, *req.LonB)
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrInternal, "failed to save zone"))
		return
	}
	respond(c, http.StatusOK, zone, nil)
}

// ListZones handles GET /v1/admin/zones.
func (h *AdminHandler) ListZones(c *gin.Context) {
	zones, err := h.dir.ListZones(c.Request.Context())
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrInternal, "failed to list zones"))
		return
	}
	respond(c, http.StatusOK, zones, nil)
}

// ListSubjects handles GET /v1/admin/subjects.
func (h *AdminHandler) ListSubjects(c *gin.Context) {
	subjects, err := h.dir.ListSubjects(c.Request.Context())
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrInternal, "failed to list subjects"))
		return
	}
	respond(c, http.StatusOK, subjects, nil)
}

// ListAttendance handles GET /v1/admin/attendance.
func (h *AdminHandler) ListAttendance(c *gin.Context) {
	f := model.EventFilter{
		ZoneName:  strings.TrimSpace(c.Query("zone")),
		SubjectID: strings.TrimSpace(c.Query("subject_id")),
		Limit:     queryInt(c, "limit", 50),
		Offset:    queryInt(c, "offset", 0),
	}
	events, err := h.dir.ListEvents(c.Request.Context(), f)
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrInternal, "failed to list attendance"))
		return
	}
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, viewEvent(e, h.loc))
	}
	respond(c, http.StatusOK, views, map[string]any{
		"limit":    f.Limit,
		"offset":   f.Offset,
		"timezone": h.loc.String(),
	})
}

// CreateSubject handles POST /v1/admin/subjects.
func (h *AdminHandler) CreateSubject(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	if err := c.Request.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit"))
			return
		}
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, "expected a multipart form"))
		return
	}
	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, "photo is required"))
		return
	}
	defer file.Close()
	if header.Size > h.maxBytes {
		respondError(c, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, "could not read photo"))
		return
	}
	if int64(len(data)) > h.maxBytes {
		respondError(c, apperr.Clone(apperr.ErrTooLarge, "photo exceeds the upload limit"))
		return
	}

	subject, err := h.registrar.Register(c.Request.Context(), c.PostForm("subject_id"), c.PostForm("name"), data)
	switch {
	case err == nil:
	case errors.Is(err, attendance.ErrInvalidSubmission):
		respondError(c, apperr.Wrap(err, apperr.ErrValidation, err.Error()))
		return
	case errors.Is(err, attendance.ErrSubjectExists):
		respondError(c, apperr.Clone(apperr.ErrConflict, "subject already registered"))
		return
	case errors.Is(err, attendance.ErrLockTimeout):
		respondError(c, apperr.Wrap(err, apperr.ErrUnavailable, "subject is busy, try again"))
		return
	default:
		respondError(c, apperr.Wrap(err, apperr.ErrInternal, "failed to register subject"))
		return
	}
	if h.announcer != nil {
		h.announcer.Announce(c.Request.Context(), subject)
	}
	respond(c, http.StatusCreated, subject, nil)
}

// Live handles GET /v1/admin/live.
func (h *AdminHandler) Live(c *gin.Context) {
	if h.live == nil {
		respondError(c, apperr.Clone(apperr.ErrUnavailable, "live feed disabled"))
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if err := h.live.Serve(c.Writer, c.Request, claims.Subject); err != nil {
		// the upgrader has already written the error response
		_ = c.Error(err)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
