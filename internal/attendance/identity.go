package attendance

import (
	"context"

	"geoattend/internal/model"
)

// SubjectRegistry looks subjects up by exact identifier.
type SubjectRegistry interface {
	// FindSubject returns nil, nil when the subject does not exist.
	FindSubject(ctx context.Context, id string) (*model.Subject, error)
}

// Identity is either unknown (enrollment) or a known subject (verification).
type Identity struct {
	Subject *model.Subject
}

// Known reports whether the subject is already registered.
func (i Identity) Known() bool { return i.Subject != nil }

// IdentityResolver branches submissions between enrollment and verification.
type IdentityResolver struct {
	registry SubjectRegistry
}

// NewIdentityResolver wraps a registry.
func NewIdentityResolver(registry SubjectRegistry) IdentityResolver {
	return IdentityResolver{registry: registry}
}

// Resolve looks up subjectID; identifiers are opaque and case-sensitive.
func (r IdentityResolver) Resolve(ctx context.Context, subjectID string) (Identity, error) {
	s, err := r.registry.FindSubject(ctx, subjectID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: s}, nil
}
