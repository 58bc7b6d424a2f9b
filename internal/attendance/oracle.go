package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"geoattend/internal/faceclient"
)

// FaceVerifier performs a 1:1 comparison of two images.
type FaceVerifier interface {
	Verify(ctx context.Context, reference, candidate io.Reader) (*faceclient.VerifyResult, error)
}

// ImageOpener resolves image handles into readable content.
type ImageOpener interface {
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}

// MatchKind is the tagged result of a face comparison.
type MatchKind int

const (
	Matched MatchKind = iota
	NotMatched
	Unavailable
)

func (k MatchKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	default:
		return "unavailable"
	}
}

// Match carries the comparison distance when one was produced and the cause
// when the oracle was unavailable.
type Match struct {
	Kind     MatchKind
	Distance float64
	Err      error
}

// Oracle adapts a FaceVerifier so that every fault surfaces as Unavailable
// and never escapes as an error or panic.
type Oracle struct {
	verifier FaceVerifier
	images   ImageOpener
	timeout  time.Duration
}

// NewOracle builds an Oracle; timeout bounds each comparison.
func NewOracle(verifier FaceVerifier, images ImageOpener, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Oracle{verifier: verifier, images: images, timeout: timeout}
}

type verifyOutcome struct {
	res *faceclient.VerifyResult
	err error
}

// Verify compares the images stored under the two handles. Neither image is
// mutated.
func (o *Oracle) Verify(ctx context.Context, referenceHandle, candidateHandle string) Match {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ref, err := o.images.Open(ctx, referenceHandle)
	if err != nil {
		return unavailable(fmt.Errorf("open reference image: %w", err))
	}
	defer ref.Close()

	cand, err := o.images.Open(ctx, candidateHandle)
	if err != nil {
		return unavailable(fmt.Errorf("open candidate image: %w", err))
	}
	defer cand.Close()

	done := make(chan verifyOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- verifyOutcome{err: fmt.Errorf("face verifier panic: %v", r)}
			}
		}()
		res, err := o.verifier.Verify(ctx, ref, cand)
		done <- verifyOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return classify(out)
	case <-ctx.Done():
		return unavailable(ctx.Err())
	}
}

func classify(out verifyOutcome) Match {
	if out.err != nil {
		return unavailable(out.err)
	}
	if out.res == nil {
		return unavailable(errors.New("face verifier returned no result"))
	}
	if math.IsNaN(out.res.Distance) || math.IsInf(out.res.Distance, 0) {
		return unavailable(fmt.Errorf("face verifier returned distance %v", out.res.Distance))
	}
	if out.res.Verified {
		return Match{Kind: Matched, Distance: out.res.Distance}
	}
	return Match{Kind: NotMatched, Distance: out.res.Distance}
}

func unavailable(err error) Match {
	return Match{Kind: Unavailable, Err: err}
}
