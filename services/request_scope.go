package services

import (
	"context"
	"sync"

	"microlearn/models"
)

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, externalID string) (*models.User, error)
}

// RequestScope memoizes identity resolution for a single chat request. It is created per
// call and passed explicitly; nothing is cached across requests.
type RequestScope struct {
	externalID string
	resolver   IdentityResolver

	once sync.Once
	user *models.User
	err  error
}

func NewRequestScope(externalID string, resolver IdentityResolver) *RequestScope {
	return &RequestScope{externalID: externalID, resolver: resolver}
}

func (s *RequestScope) ExternalID() string { return s.externalID }

func (s *RequestScope) Anonymous() bool { return s == nil || s.externalID == "" }

// User resolves the internal user at most once. Anonymous scopes resolve to nil, nil.
func (s *RequestScope) User(ctx context.Context) (*models.User, error) {
	if s.Anonymous() {
		return nil, nil
	}
	s.once.Do(func() {
		s.user, s.err = s.resolver.ResolveIdentity(ctx, s.externalID)
	})
	return s.user, s.err
}
