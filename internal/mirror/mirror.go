// Package mirror copies subject reference images to Cloudinary out of band.
// The attendance path only enqueues; the worker uploads and records the URL.
package mirror

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"geoattend/internal/attendance"
	"geoattend/internal/cloudinary"
	"geoattend/internal/model"
	"geoattend/internal/queue"
)

// Publisher enqueues a mirror job for every new subject.
type Publisher struct {
	q       queue.Queue
	log     *zap.Logger
	timeout time.Duration
}

// NewPublisher creates a publisher on q.
func NewPublisher(q queue.Queue, log *zap.Logger) *Publisher {
	return &Publisher{q: q, log: log, timeout: 5 * time.Second}
}

// OnAccepted implements attendance.Listener.
func (p *Publisher) OnAccepted(ctx context.Context, a attendance.Accepted) {
	if !a.Enrolled {
		return
	}
	p.Announce(ctx, a.Subject)
}

// Announce enqueues s. Failures are logged; the subject stays usable
// without a mirrored copy.
func (p *Publisher) Announce(ctx context.Context, s model.Subject) {
	msg, err := queue.NewMessage(queue.TypeSubjectEnrolled, queue.SubjectEnrolled{
		SubjectID:      s.ID,
		ReferenceImage: s.ReferenceImage,
		EnrolledAt:     s.CreatedAt,
	})
	if err != nil {
		p.log.Error("encode mirror job failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.q.Publish(ctx, msg); err != nil {
		p.log.Warn("enqueue mirror job failed", zap.String("subject_id", s.ID), zap.Error(err))
	}
}

// Uploader stores an image remotely and returns its URL.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// ImageReader loads stored images.
type ImageReader interface {
	Read(ctx context.Context, handle string) ([]byte, error)
}

// SubjectStore records mirrored URLs.
type SubjectStore interface {
	SetReferenceURL(ctx context.Context, subjectID, url string) error
}

// Worker consumes mirror jobs.
type Worker struct {
	q           queue.Queue
	uploader    Uploader
	images      ImageReader
	subjects    SubjectStore
	log         *zap.Logger
	maxAttempts int
}

// NewWorker wires a worker. Failed jobs are re-enqueued until maxAttempts.
func NewWorker(q queue.Queue, uploader Uploader, images ImageReader, subjects SubjectStore, log *zap.Logger, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{q: q, uploader: uploader, images: images, subjects: subjects, log: log, maxAttempts: maxAttempts}
}

// Run processes messages until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	w.log.Info("mirror worker started")
	for msg := range messages {
		if msg.Type != queue.TypeSubjectEnrolled {
			w.log.Debug("skipping message", zap.String("type", msg.Type))
			continue
		}
		if err := w.Handle(ctx, msg); err != nil {
			w.retry(ctx, msg, err)
		}
	}
	w.log.Info("mirror worker stopped")
	return nil
}

// Handle mirrors one subject's reference image.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job queue.SubjectEnrolled
	if err := msg.Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	data, err := w.images.Read(ctx, job.ReferenceImage)
	if err != nil {
		return fmt.Errorf("read reference image: %w", err)
	}
	res, err := w.uploader.UploadBytes(ctx, data, path.Base(job.ReferenceImage), "subjects/"+job.SubjectID)
	if err != nil {
		return err
	}
	url := res.SecureURL
	if url == "" {
		url = res.URL
	}
	if err := w.subjects.SetReferenceURL(ctx, job.SubjectID, url); err != nil {
		return fmt.Errorf("record reference url: %w", err)
	}
	w.log.Info("reference image mirrored", zap.String("subject_id", job.SubjectID), zap.String("url", url))
	return nil
}

func (w *Worker) retry(ctx context.Context, msg queue.Message, cause error) {
	msg.Attempts++
	if msg.Attempts >= w.maxAttempts {
		w.log.Error("mirror job dropped", zap.Int("attempts", msg.Attempts), zap.Error(cause))
		return
	}
	w.log.Warn("mirror job failed, requeueing", zap.Int("attempts", msg.Attempts), zap.Error(cause))
	if err := w.q.Publish(ctx, msg); err != nil {
		w.log.Error("requeue mirror job failed", zap.Error(err))
	}
}
