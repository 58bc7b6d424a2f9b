package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geoattend/internal/attendance"
	"geoattend/internal/cloudinary"
	"geoattend/internal/model"
	"geoattend/internal/queue"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUploader) UploadBytes(_ context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publicID+":"+filename+":"+string(data))
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://cdn.example/" + publicID}, nil
}

type fakeImages map[string][]byte

func (f fakeImages) Read(_ context.Context, handle string) ([]byte, error) {
	b, ok := f[handle]
	if !ok {
		return nil, errors.New("missing")
	}
	return b, nil
}

type fakeSubjects struct {
	mu   sync.Mutex
	urls map[string]string
}

func (f *fakeSubjects) SetReferenceURL(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[id] = url
	return nil
}

func (f *fakeSubjects) get(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[id]
}

func TestPublisherOnlyAnnouncesEnrollments(t *testing.T) {
	q := queue.NewInMemory(4)
	p := NewPublisher(q, zap.NewNop())
	subject := model.Subject{ID: "S1", ReferenceImage: "references/S1/a.png"}

	p.OnAccepted(context.Background(), attendance.Accepted{Subject: subject})
	p.OnAccepted(context.Background(), attendance.Accepted{Subject: subject, Enrolled: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-ch
	var job queue.SubjectEnrolled
	require.NoError(t, msg.Decode(&job))
	assert.Equal(t, "S1", job.SubjectID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected message %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWorkerMirrorsReference(t *testing.T) {
	up := &fakeUploader{}
	subjects := &fakeSubjects{urls: map[string]string{}}
	w := NewWorker(queue.NewInMemory(1), up, fakeImages{"references/S1/a.png": []byte("img")}, subjects, zap.NewNop(), 3)

	msg, err := queue.NewMessage(queue.TypeSubjectEnrolled, queue.SubjectEnrolled{SubjectID: "S1", ReferenceImage: "references/S1/a.png"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Equal(t, []string{"subjects/S1:a.png:img"}, up.calls)
	assert.Equal(t, "https://cdn.example/subjects/S1", subjects.get("S1"))
}

func TestWorkerRequeuesUntilMaxAttempts(t *testing.T) {
	q := queue.NewInMemory(4)
	up := &fakeUploader{err: errors.New("503")}
	subjects := &fakeSubjects{urls: map[string]string{}}
	w := NewWorker(q, up, fakeImages{"r": []byte("x")}, subjects, zap.NewNop(), 2)

	msg, err := queue.NewMessage(queue.TypeSubjectEnrolled, queue.SubjectEnrolled{SubjectID: "S1", ReferenceImage: "r"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Len(t, up.calls, 2)
	assert.Empty(t, subjects.get("S1"))
}
