// Package token issues and verifies short-lived subscription tokens. A token
// grants its holder the live stream of one instance, for a fixed set of
// topics.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

const (
	DefaultTTL          = 15 * time.Minute
	DefaultRefreshRate  = 0.2 // tokens per second, per user
	DefaultRefreshBurst = 5
	DefaultIssuer       = "gitfix"
)

// Identity is the caller as vouched for by the external auth layer.
type Identity struct {
	UserID string
	OrgID  string
}

// Token is a signed subscription grant.
type Token struct {
	Value     string      `json:"token"`
	Channel   string      `json:"channel"`
	Topics    []api.Topic `json:"topics"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Claims are the JWT claims carried by a token.
type Claims struct {
	jwt.RegisteredClaims
	OrgID      string      `json:"org"`
	InstanceID string      `json:"iid"`
	Channel    string      `json:"channel"`
	Topics     []api.Topic `json:"topics"`
}

// Instances looks up the instance a token is requested for.
type Instances interface {
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
}

type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string

	// RefreshRate and RefreshBurst bound how often one user may obtain
	// tokens.
	RefreshRate  float64
	RefreshBurst int
}

// Service issues tokens scoped to the caller's organization.
type Service struct {
	instances Instances
	repos     api.Repositories
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a Service. The secret is required.
func NewService(instances Instances, repos api.Repositories, cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = DefaultRefreshRate
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = DefaultRefreshBurst
	}
	return &Service{
		instances: instances,
		repos:     repos,
		cfg:       cfg,
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

// Issue grants id a token for instanceID's channel. Empty topics means all
// topics.
func (s *Service) Issue(ctx context.Context, id Identity, instanceID string, topics []api.Topic) (Token, error) {
	if id.UserID == "" || id.OrgID == "" {
		return Token{}, fmt.Errorf("missing identity: %w", api.ErrUnauthorized)
	}

	inst, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return Token{}, err
	}

	repo, err := s.repos.GetRepository(ctx, inst.RepositoryID)
	if errors.Is(err, api.ErrNotFound) {
		return Token{}, fmt.Errorf("repository %s: %w", inst.RepositoryID, api.ErrUnauthorized)
	}
	if err != nil {
		return Token{}, err
	}
	if repo.OrganizationID != id.OrgID {
		return Token{}, fmt.Errorf("instance %s is outside org %s: %w", instanceID, id.OrgID, api.ErrUnauthorized)
	}

	if !s.limiter(id.UserID).Allow() {
		return Token{}, fmt.Errorf("user %s: %w", id.UserID, api.ErrRateLimited)
	}

	if len(topics) == 0 {
		topics = append([]api.Topic(nil), api.AllTopics...)
	}
	for _, t := range topics {
		if !t.Valid() {
			return Token{}, fmt.Errorf("unknown topic %q", t)
		}
	}

	now := s.now()
	expires := now.Add(s.cfg.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		OrgID:      id.OrgID,
		InstanceID: instanceID,
		Channel:    api.ChannelFor(instanceID),
		Topics:     topics,
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	return Token{
		Value:     value,
		Channel:   claims.Channel,
		Topics:    topics,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks value's signature, issuer and expiry and returns its claims.
func (s *Service) Verify(value string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrUnauthorized, err)
	}
	if claims.Channel != api.ChannelFor(claims.InstanceID) {
		return nil, fmt.Errorf("channel mismatch: %w", api.ErrUnauthorized)
	}
	return claims, nil
}

func (s *Service) limiter(subject string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[subject]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RefreshRate), s.cfg.RefreshBurst)
		s.limiters[subject] = l
	}
	return l
}
