package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geoattend/internal/geofence"
	"geoattend/internal/imagestore"
	"geoattend/internal/model"
)

var (
	// ErrInvalidSubmission marks input that never reaches the decision chain.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrSubjectExists is returned by Store.Admit when the subject it was
	// asked to create already exists.
	ErrSubjectExists = errors.New("subject already exists")
	// ErrDuplicate is returned by Store.Admit when an accepted event for the
	// subject already falls inside the window.
	ErrDuplicate = errors.New("accepted event within dedup window")
)

// Admission is the atomic write that accepts a submission.
type Admission struct {
	// NewSubject is set on the enrollment path and created in the same
	// transaction as Event.
	NewSubject  *model.Subject
	Event       model.Event
	WindowStart time.Time
}

// Store is the persistence the engine needs.
type Store interface {
	EventLog
	SubjectRegistry
	FindZone(ctx context.Context, id string) (*model.Zone, error)
	// Admit writes the event, and the subject when enrolling, only if no
	// accepted event for the subject exists at or after WindowStart.
	Admit(ctx context.Context, a Admission) error
	CreateSubject(ctx context.Context, s model.Subject) error
}

// ImageStore stores reference and transient images by opaque handle.
type ImageStore interface {
	ImageOpener
	SaveReference(ctx context.Context, subjectID string, data []byte) (string, error)
	SaveTransient(ctx context.Context, data []byte) (string, error)
	Delete(ctx context.Context, handle string) error
}

// Listener is told about every accepted event after it is committed.
type Listener interface {
	OnAccepted(ctx context.Context, a Accepted)
}

// Accepted describes a committed admission.
type Accepted struct {
	Event    model.Event
	Subject  model.Subject
	Enrolled bool
}

// Recorder receives decision metrics.
type Recorder interface {
	ObserveVerdict(outcome, reason string)
	ObserveFaceVerify(result string, d time.Duration)
}

// Submission is one attendance attempt.
type Submission struct {
	SubjectID string
	ZoneID    string
	Latitude  float64
	Longitude float64
	Image     []byte
	// Name is recorded only when the submission enrolls a new subject.
	Name string
}

func (s Submission) validate() error {
	if strings.TrimSpace(s.SubjectID) == "" {
		return fmt.Errorf("%w: subject id required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.ZoneID) == "" {
		return fmt.Errorf("%w: zone id required", ErrInvalidSubmission)
	}
	if _, err := imagestore.Validate(s.Image); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return nil
}

// Config holds the engine's tunables.
type Config struct {
	DedupWindow    time.Duration
	Tolerance      float64
	LockWait       time.Duration
	StorageTimeout time.Duration
}

// Service decides whether a submission is admitted and records the result.
type Service struct {
	store     Store
	images    ImageStore
	oracle    *Oracle
	locker    Locker
	geofence  geofence.Evaluator
	window    WindowGuard
	identity  IdentityResolver
	cfg       Config
	log       *zap.Logger
	listeners []Listener
	recorder  Recorder
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithListener registers a listener for accepted events.
func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService wires the decision engine.
func NewService(store Store, images ImageStore, oracle *Oracle, locker Locker, cfg Config, log *zap.Logger, opts ...Option) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 45 * time.Second
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:    store,
		images:   images,
		oracle:   oracle,
		locker:   locker,
		geofence: geofence.New(cfg.Tolerance),
		window:   NewWindowGuard(store),
		identity: NewIdentityResolver(store),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs the decision chain: geofence, then dedup window, then identity
// with enrollment or face verification. The returned error is non-nil only
// for ErrInvalidSubmission; every other outcome is a Verdict.
func (s *Service) Submit(ctx context.Context, sub Submission) (Verdict, error) {
	if err := sub.validate(); err != nil {
		return Verdict{}, err
	}
	v := s.decide(ctx, sub)
	if s.recorder != nil {
		s.recorder.ObserveVerdict(string(v.Outcome), string(v.Reason))
	}
	return v, nil
}

func (s *Service) decide(ctx context.Context, sub Submission) Verdict {
	log := s.log.With(zap.String("subject_id", sub.SubjectID), zap.String("zone_id", sub.ZoneID))

	zone, err := s.store.FindZone(ctx, sub.ZoneID)
	if err != nil {
		log.Error("zone lookup failed", zap.Error(err))
		return failed(ReasonStorageFailure, "")
	}
	if zone == nil {
		return failed(ReasonZoneNotFound, "")
	}
	point := geofence.Point{Lat: sub.Latitude, Lon: sub.Longitude}
	if !s.geofence.Contains(point, zoneBounds(zone)) {
		return rejected(ReasonOutsideZone, zone.Name)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	unlock, err := s.locker.Lock(lockCtx, "subject:"+sub.SubjectID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			log.Warn("subject lock wait exceeded", zap.Duration("wait", s.cfg.LockWait))
			return failed(ReasonSubjectBusy, zone.Name)
		}
		log.Error("subject lock failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}
	defer unlock()

	now := s.now().UTC()
	recent, err := s.window.HasRecentAcceptance(ctx, sub.SubjectID, now, s.cfg.DedupWindow)
	if err != nil {
		log.Error("dedup lookup failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}
	if recent {
		return rejected(ReasonDuplicateWithinWindow, zone.Name)
	}

	ident, err := s.identity.Resolve(ctx, sub.SubjectID)
	if err != nil {
		log.Error("subject lookup failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}
	if !ident.Known() {
		return s.enroll(ctx, log, sub, zone, now)
	}
	return s.verify(ctx, log, sub, zone, *ident.Subject, now)
}

func (s *Service) enroll(ctx context.Context, log *zap.Logger, sub Submission, zone *model.Zone, now time.Time) Verdict {
	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	handle, err := s.images.SaveReference(saveCtx, sub.SubjectID, sub.Image)
	cancel()
	if err != nil {
		log.Error("save reference image failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}

	name := strings.TrimSpace(sub.Name)
	if name == "" {
		name = sub.SubjectID
	}
	subject := model.Subject{ID: sub.SubjectID, Name: name, ReferenceImage: handle, CreatedAt: now}
	evt := newEvent(sub, zone, model.StatusEnrolled, now, nil)

	err = s.store.Admit(ctx, Admission{NewSubject: &subject, Event: evt, WindowStart: now.Add(-s.cfg.DedupWindow)})
	if err != nil {
		s.discard(ctx, handle)
		switch {
		case errors.Is(err, ErrSubjectExists):
			log.Warn("enrollment lost to a concurrent writer")
			return failed(ReasonConcurrentEnrollment, zone.Name)
		case errors.Is(err, ErrDuplicate):
			return rejected(ReasonDuplicateWithinWindow, zone.Name)
		}
		log.Error("enrollment write failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}

	log.Info("subject enrolled", zap.String("zone", zone.Name), zap.String("event_id", evt.ID))
	s.notify(ctx, Accepted{Event: evt, Subject: subject, Enrolled: true})
	return accepted(OutcomeEnrolled, evt)
}

func (s *Service) verify(ctx context.Context, log *zap.Logger, sub Submission, zone *model.Zone, subject model.Subject, now time.Time) Verdict {
	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	handle, err := s.images.SaveTransient(saveCtx, sub.Image)
	cancel()
	if err != nil {
		log.Error("save candidate image failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}
	defer s.discard(ctx, handle)

	started := time.Now()
	match := s.oracle.Verify(ctx, subject.ReferenceImage, handle)
	if s.recorder != nil {
		s.recorder.ObserveFaceVerify(match.Kind.String(), time.Since(started))
	}

	switch match.Kind {
	case Unavailable:
		log.Warn("face verification unavailable", zap.Error(match.Err))
		return failed(ReasonVerificationFailed, zone.Name)
	case NotMatched:
		d := match.Distance
		v := rejected(ReasonFaceMismatch, zone.Name)
		v.Distance = &d
		return v
	}

	d := match.Distance
	evt := newEvent(sub, zone, model.StatusPresent, now, &d)
	err = s.store.Admit(ctx, Admission{Event: evt, WindowStart: now.Add(-s.cfg.DedupWindow)})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return rejected(ReasonDuplicateWithinWindow, zone.Name)
		}
		log.Error("attendance write failed", zap.Error(err))
		return failed(ReasonStorageFailure, zone.Name)
	}

	log.Info("attendance marked", zap.String("zone", zone.Name), zap.String("event_id", evt.ID), zap.Float64("distance", d))
	s.notify(ctx, Accepted{Event: evt, Subject: subject})
	return accepted(OutcomePresent, evt)
}

// Register creates a subject with a reference image outside of the
// attendance flow. No event is written.
func (s *Service) Register(ctx context.Context, subjectID, name string, image []byte) (model.Subject, error) {
	if strings.TrimSpace(subjectID) == "" {
		return model.Subject{}, fmt.Errorf("%w: subject id required", ErrInvalidSubmission)
	}
	if _, err := imagestore.Validate(image); err != nil {
		return model.Subject{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	unlock, err := s.locker.Lock(lockCtx, "subject:"+subjectID)
	cancel()
	if err != nil {
		return model.Subject{}, err
	}
	defer unlock()

	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	handle, err := s.images.SaveReference(saveCtx, subjectID, image)
	cancel()
	if err != nil {
		return model.Subject{}, fmt.Errorf("save reference image: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = subjectID
	}
	subject := model.Subject{ID: subjectID, Name: strings.TrimSpace(name), ReferenceImage: handle, CreatedAt: s.now().UTC()}
	if err := s.store.CreateSubject(ctx, subject); err != nil {
		s.discard(ctx, handle)
		return model.Subject{}, err
	}
	s.log.Info("subject registered", zap.String("subject_id", subjectID))
	return subject, nil
}

// discard deletes an image even if the request context is already gone.
func (s *Service) discard(ctx context.Context, handle string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StorageTimeout)
	defer cancel()
	if err := s.images.Delete(ctx, handle); err != nil {
		s.log.Warn("image cleanup failed", zap.String("handle", handle), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, a Accepted) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range s.listeners {
		l.OnAccepted(ctx, a)
	}
}

func newEvent(sub Submission, zone *model.Zone, status model.EventStatus, at time.Time, distance *float64) model.Event {
	return model.Event{
		ID:         uuid.NewString(),
		SubjectID:  sub.SubjectID,
		ZoneName:   zone.Name,
		Status:     status,
		Latitude:   sub.Latitude,
		Longitude:  sub.Longitude,
		Distance:   distance,
		OccurredAt: at,
	}
}

func zoneBounds(z *model.Zone) geofence.Bounds {
	return geofence.Bounds{LatA: z.LatA, LatB: z.LatB, LonA: z.LonA, LonB: z.LonB}
}
