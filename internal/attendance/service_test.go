package attendance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/faceclient"
	"geoattend/internal/model"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{G: 180, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func ptr(f float64) *float64 { return &f }

// memStore is an in-memory Store with the same window re-check as the SQL
// repository.
type memStore struct {
	mu        sync.Mutex
	zones     map[string]model.Zone
	subjects  map[string]model.Subject
	events    []model.Event
	admitErr  error
	zoneErr   error
	admitHook func()
}

func newMemStore() *memStore {
	return &memStore{
		zones: map[string]model.Zone{
			"z-a101": {ID: "z-a101", Name: "A101", LatA: ptr(10.0), LatB: ptr(10.001), LonA: ptr(20.0), LonB: ptr(20.001)},
		},
		subjects: map[string]model.Subject{},
	}
}

func (m *memStore) FindZone(_ context.Context, id string) (*model.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zoneErr != nil {
		return nil, m.zoneErr
	}
	z, ok := m.zones[id]
	if !ok {
		return nil, nil
	}
	return &z, nil
}

func (m *memStore) FindSubject(_ context.Context, id string) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) LatestAcceptedSince(_ context.Context, subjectID string, since time.Time) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(subjectID, since), nil
}

func (m *memStore) latest(subjectID string, since time.Time) *model.Event {
	var out *model.Event
	for i := range m.events {
		e := m.events[i]
		if e.SubjectID != subjectID || e.OccurredAt.Before(since) {
			continue
		}
		if out == nil || e.OccurredAt.After(out.OccurredAt) {
			out = &e
		}
	}
	return out
}

func (m *memStore) Admit(_ context.Context, a Admission) error {
	if m.admitHook != nil {
		m.admitHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitErr != nil {
		return m.admitErr
	}
	if a.NewSubject != nil {
		if _, ok := m.subjects[a.NewSubject.ID]; ok {
			return ErrSubjectExists
		}
	}
	if m.latest(a.Event.SubjectID, a.WindowStart) != nil {
		return ErrDuplicate
	}
	if a.NewSubject != nil {
		m.subjects[a.NewSubject.ID] = *a.NewSubject
	}
	m.events = append(m.events, a.Event)
	return nil
}

func (m *memStore) CreateSubject(_ context.Context, s model.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[s.ID]; ok {
		return ErrSubjectExists
	}
	m.subjects[s.ID] = s
	return nil
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memImages struct {
	mu      sync.Mutex
	files   map[string][]byte
	seq     int
	saveErr error
}

func newMemImages() *memImages { return &memImages{files: map[string][]byte{}} }

func (m *memImages) put(prefix string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.seq++
	h := fmt.Sprintf("%s/%d.png", prefix, m.seq)
	m.files[h] = append([]byte(nil), data...)
	return h, nil
}

func (m *memImages) SaveReference(_ context.Context, subjectID string, data []byte) (string, error) {
	return m.put("references/"+subjectID, data)
}

func (m *memImages) SaveTransient(_ context.Context, data []byte) (string, error) {
	return m.put("transient", data)
}

func (m *memImages) Open(_ context.Context, handle string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[handle]
	if !ok {
		return nil, errors.New("no such image")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memImages) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, handle)
	return nil
}

func (m *memImages) handles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for h := range m.files {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

type verifierFunc func(ctx context.Context, reference, candidate io.Reader) (*faceclient.VerifyResult, error)

func (f verifierFunc) Verify(ctx context.Context, reference, candidate io.Reader) (*faceclient.VerifyResult, error) {
	return f(ctx, reference, candidate)
}

type countingVerifier struct {
	calls atomic.Int32
	fn    verifierFunc
}

func (c *countingVerifier) Verify(ctx context.Context, reference, candidate io.Reader) (*faceclient.VerifyResult, error) {
	c.calls.Add(1)
	return c.fn(ctx, reference, candidate)
}

func matching(distance float64) *countingVerifier {
	return &countingVerifier{fn: func(context.Context, io.Reader, io.Reader) (*faceclient.VerifyResult, error) {
		return &faceclient.VerifyResult{Verified: true, Distance: distance}, nil
	}}
}

type recordingListener struct {
	mu   sync.Mutex
	seen []Accepted
}

func (r *recordingListener) OnAccepted(_ context.Context, a Accepted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, a)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	store    *memStore
	images   *memImages
	verifier *countingVerifier
	listener *recordingListener
	clock    *clock
	svc      *Service
}

func newHarness(t *testing.T, v *countingVerifier, locker Locker) *harness {
	t.Helper()
	if v == nil {
		v = matching(0.3)
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	h := &harness{
		store:    newMemStore(),
		images:   newMemImages(),
		verifier: v,
		listener: &recordingListener{},
		clock:    &clock{now: t0},
	}
	oracle := NewOracle(v, h.images, time.Second)
	h.svc = NewService(h.store, h.images, oracle, locker, Config{DedupWindow: time.Hour, LockWait: time.Second},
		nil, WithClock(h.clock.Now), WithListener(h.listener))
	return h
}

func (h *harness) submission(t *testing.T, subject string, lat, lon float64) Submission {
	return Submission{SubjectID: subject, ZoneID: "z-a101", Latitude: lat, Longitude: lon, Image: pngBytes(t)}
}

func TestFirstSubmissionEnrolls(t *testing.T) {
	h := newHarness(t, nil, nil)

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnrolled, v.Outcome)
	assert.Equal(t, "A101", v.Zone)
	require.NotNil(t, v.Event)
	assert.Equal(t, model.StatusEnrolled, v.Event.Status)
	assert.Equal(t, t0, v.Event.OccurredAt)
	assert.Nil(t, v.Event.Distance)

	assert.Zero(t, h.verifier.calls.Load())
	s, _ := h.store.FindSubject(context.Background(), "S1")
	require.NotNil(t, s)
	assert.Equal(t, "S1", s.Name)
	assert.Equal(t, []string{s.ReferenceImage}, h.images.handles())

	require.Len(t, h.listener.seen, 1)
	assert.True(t, h.listener.seen[0].Enrolled)
}

func TestOutsideZoneStopsBeforeAnyEffect(t *testing.T) {
	h := newHarness(t, nil, nil)

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.01, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, v.Outcome)
	assert.Equal(t, ReasonOutsideZone, v.Reason)
	assert.Contains(t, v.Message(), "A101")

	assert.Zero(t, h.store.eventCount())
	assert.Empty(t, h.images.handles())
	assert.Zero(t, h.verifier.calls.Load())
	assert.Empty(t, h.listener.seen)
}

func TestDuplicateWithinWindowSkipsOracle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)

	h.clock.Set(t0.Add(30 * time.Minute))
	v, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, v.Outcome)
	assert.Equal(t, ReasonDuplicateWithinWindow, v.Reason)
	assert.Zero(t, h.verifier.calls.Load())
	assert.Equal(t, 1, h.store.eventCount())
}

func TestVerifiedAfterWindowIsPresent(t *testing.T) {
	h := newHarness(t, matching(0.31), nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)

	h.clock.Set(t0.Add(61 * time.Minute))
	v, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0002, 20.0009))
	require.NoError(t, err)
	assert.Equal(t, OutcomePresent, v.Outcome)
	require.NotNil(t, v.Distance)
	assert.InDelta(t, 0.31, *v.Distance, 1e-9)
	assert.Equal(t, model.StatusPresent, v.Event.Status)
	assert.Equal(t, int32(1), h.verifier.calls.Load())
	assert.Equal(t, 2, h.store.eventCount())

	// only the reference image survives
	assert.Len(t, h.images.handles(), 1)
}

func TestWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    Outcome
	}{
		{"just inside", time.Hour - time.Nanosecond, OutcomeRejected},
		{"exactly at lower bound", time.Hour, OutcomeRejected},
		{"just past", time.Hour + time.Nanosecond, OutcomePresent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			ctx := context.Background()
			_, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
			require.NoError(t, err)

			h.clock.Set(t0.Add(tt.elapsed))
			v, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Outcome)
		})
	}
}

func TestWindowIsPerSubject(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	v, err := h.svc.Submit(ctx, h.submission(t, "S2", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnrolled, v.Outcome)
}

func TestOracleUnavailableWritesNothing(t *testing.T) {
	v := &countingVerifier{fn: func(context.Context, io.Reader, io.Reader) (*faceclient.VerifyResult, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(t, v, nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)

	h.clock.Set(t0.Add(2 * time.Hour))
	verdict, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, verdict.Outcome)
	assert.Equal(t, ReasonVerificationFailed, verdict.Reason)
	assert.True(t, verdict.Retryable())
	assert.Equal(t, 1, h.store.eventCount())
	assert.Len(t, h.images.handles(), 1)
}

func TestFaceMismatchIsRejected(t *testing.T) {
	v := &countingVerifier{fn: func(context.Context, io.Reader, io.Reader) (*faceclient.VerifyResult, error) {
		return &faceclient.VerifyResult{Verified: false, Distance: 0.82}, nil
	}}
	h := newHarness(t, v, nil)
	ctx := context.Background()
	h.store.subjects["S1"] = model.Subject{ID: "S1", ReferenceImage: "references/S1/ref.png"}
	h.store.events = append(h.store.events, model.Event{SubjectID: "S1", ZoneName: "A101", Status: model.StatusEnrolled, OccurredAt: t0.Add(-2 * time.Hour)})
	h.images.files["references/S1/ref.png"] = pngBytes(t)

	verdict, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, verdict.Outcome)
	assert.Equal(t, ReasonFaceMismatch, verdict.Reason)
	assert.Equal(t, int32(1), v.calls.Load())
	require.NotNil(t, verdict.Distance)
	assert.InDelta(t, 0.82, *verdict.Distance, 1e-9)
	assert.False(t, verdict.Retryable())
	assert.Equal(t, 1, h.store.eventCount())
	assert.Equal(t, []string{"references/S1/ref.png"}, h.images.handles())
}

func TestUnknownZone(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.submission(t, "S1", 10.0005, 20.0005)
	sub.ZoneID = "missing"

	v, err := h.svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, v.Outcome)
	assert.Equal(t, ReasonZoneNotFound, v.Reason)
	assert.False(t, v.Retryable())
}

func TestUnconfiguredZoneRejects(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.zones["z-empty"] = model.Zone{ID: "z-empty", Name: "B2"}
	sub := h.submission(t, "S1", 0, 0)
	sub.ZoneID = "z-empty"

	v, err := h.svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideZone, v.Reason)
}

func TestZoneLookupFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.zoneErr = errors.New("db down")

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonStorageFailure, v.Reason)
	assert.True(t, v.Retryable())
}

func TestInvalidSubmission(t *testing.T) {
	h := newHarness(t, nil, nil)
	img := pngBytes(t)
	tests := []struct {
		name string
		sub  Submission
	}{
		{"no subject", Submission{ZoneID: "z-a101", Image: img}},
		{"no zone", Submission{SubjectID: "S1", Image: img}},
		{"no image", Submission{SubjectID: "S1", ZoneID: "z-a101"}},
		{"not an image", Submission{SubjectID: "S1", ZoneID: "z-a101", Image: []byte("hello")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tt.sub)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}
}

func TestEnrollmentConflictDiscardsReference(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.admitErr = ErrSubjectExists

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, v.Outcome)
	assert.Equal(t, ReasonConcurrentEnrollment, v.Reason)
	assert.Empty(t, h.images.handles())
}

func TestAdmitFailureIsStorageFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.admitErr = errors.New("disk full")

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonStorageFailure, v.Reason)
	assert.Empty(t, h.images.handles())
	assert.Empty(t, h.listener.seen)
}

func TestImageSaveFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.images.saveErr = errors.New("read-only fs")

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonStorageFailure, v.Reason)
	assert.Zero(t, h.store.eventCount())
}

type busyLocker struct{}

func (busyLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
}

func TestSubjectBusy(t *testing.T) {
	h := newHarness(t, nil, busyLocker{})

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonSubjectBusy, v.Reason)
	assert.True(t, v.Retryable())
}

func TestCancelledRequestStillRemovesCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := &countingVerifier{fn: func(ctx context.Context, _, _ io.Reader) (*faceclient.VerifyResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, v, nil)
	h.store.subjects["S1"] = model.Subject{ID: "S1", ReferenceImage: "references/S1/ref.png"}
	h.images.files["references/S1/ref.png"] = pngBytes(t)

	verdict, err := h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonVerificationFailed, verdict.Reason)
	assert.Equal(t, []string{"references/S1/ref.png"}, h.images.handles())
}

func TestConcurrentSubmissionsAdmitOnce(t *testing.T) {
	release := make(chan struct{})
	v := &countingVerifier{fn: func(context.Context, io.Reader, io.Reader) (*faceclient.VerifyResult, error) {
		<-release
		return &faceclient.VerifyResult{Verified: true, Distance: 0.2}, nil
	}}
	h := newHarness(t, v, nil)
	h.store.subjects["S1"] = model.Subject{ID: "S1", ReferenceImage: "references/S1/ref.png"}
	h.images.files["references/S1/ref.png"] = pngBytes(t)

	const n = 4
	var wg sync.WaitGroup
	verdicts := make([]Verdict, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i], _ = h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var present, duplicate int
	for _, v := range verdicts {
		switch {
		case v.Outcome == OutcomePresent:
			present++
		case v.Reason == ReasonDuplicateWithinWindow:
			duplicate++
		}
	}
	assert.Equal(t, 1, present)
	assert.Equal(t, n-1, duplicate)
	assert.Equal(t, 1, h.store.eventCount())
	assert.Equal(t, int32(1), v.calls.Load())
}

func TestConcurrentEnrollmentCreatesOneSubject(t *testing.T) {
	h := newHarness(t, nil, nil)

	const n = 4
	var wg sync.WaitGroup
	var enrolled, duplicate atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := h.svc.Submit(context.Background(), h.submission(t, "S9", 10.0005, 20.0005))
			switch {
			case v.Outcome == OutcomeEnrolled:
				enrolled.Add(1)
			case v.Reason == ReasonDuplicateWithinWindow:
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), enrolled.Load())
	assert.Equal(t, int32(n-1), duplicate.Load())
	assert.Len(t, h.images.handles(), 1)
}

type passLocker struct{}

func (passLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func TestLateDuplicateCaughtAtCommit(t *testing.T) {
	h := newHarness(t, nil, passLocker{})
	// another replica commits between the dedup read and our write
	h.store.admitHook = func() {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		if len(h.store.events) == 0 {
			h.store.events = append(h.store.events, model.Event{SubjectID: "S1", OccurredAt: t0})
		}
	}
	h.store.subjects["S1"] = model.Subject{ID: "S1", ReferenceImage: "references/S1/ref.png"}
	h.images.files["references/S1/ref.png"] = pngBytes(t)

	v, err := h.svc.Submit(context.Background(), h.submission(t, "S1", 10.0005, 20.0005))
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicateWithinWindow, v.Reason)
	assert.Equal(t, 1, h.store.eventCount())
}

func TestRegister(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	s, err := h.svc.Register(ctx, "S7", "  Ada ", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "Ada", s.Name)
	assert.Zero(t, h.store.eventCount())

	assert.Equal(t, pngBytes(t), h.images.files[s.ReferenceImage])

	_, err = h.svc.Register(ctx, "S7", "Ada", pngBytes(t))
	assert.ErrorIs(t, err, ErrSubjectExists)
	assert.Len(t, h.images.handles(), 1)

	_, err = h.svc.Register(ctx, "S8", "", []byte("nope"))
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

type recorder struct {
	mu       sync.Mutex
	verdicts []string
	faces    []string
}

func (r *recorder) ObserveVerdict(outcome, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, outcome+"/"+reason)
}

func (r *recorder) ObserveFaceVerify(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faces = append(r.faces, result)
}

func TestRecorderSeesEveryVerdict(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := &recorder{}
	WithRecorder(rec)(h.svc)
	ctx := context.Background()

	_, _ = h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))
	_, _ = h.svc.Submit(ctx, h.submission(t, "S1", 11, 20.0005))
	h.clock.Set(t0.Add(2 * time.Hour))
	_, _ = h.svc.Submit(ctx, h.submission(t, "S1", 10.0005, 20.0005))

	assert.Equal(t, []string{"enrolled/", "rejected/outside_zone", "present/"}, rec.verdicts)
	assert.Equal(t, []string{"matched"}, rec.faces)
}
