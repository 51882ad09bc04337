// Package session admits customers: it redeems signed per-table entry tokens
// into time-bounded sessions.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
)

var (
	ErrInvalidToken    = apperr.Unauthorized("invalid_token", "entry token is invalid or expired, scan the table code again")
	ErrTableNotFound   = apperr.NotFound("table_not_found", "table not found")
	ErrRateLimited     = apperr.New(apperr.KindRateLimited, "rate_limited", "too many attempts, retry later")
	ErrSessionNotFound = apperr.NotFound("session_not_found", "session not found")
	ErrSessionExpired  = apperr.Unauthorized("session_expired", "session expired, scan the table code again")
)

type ClientContext struct {
	ClientID  string
	UserAgent string
}

type TableLookup interface {
	Get(ctx context.Context, tenantID, tableID string) (*domain.Table, error)
}

type Options struct {
	Secret   []byte
	Lifetime time.Duration
	// TokenTTL bounds how long an entry token can verify. Session records are
	// kept for Lifetime+TokenTTL.
	TokenTTL time.Duration
}

type Registry struct {
	store   *RedisStore
	limiter Limiter
	tables  TableLookup
	opts    Options
	log     *logrus.Logger
	now     func() time.Time
}

func NewRegistry(store *RedisStore, limiter Limiter, tables TableLookup, opts Options, log *logrus.Logger) *Registry {
	return &Registry{store: store, limiter: limiter, tables: tables, opts: opts, log: log, now: time.Now}
}

// ValidateOrCreate redeems token. The rate limit is checked before the token
// is even parsed, so a limited client learns nothing about token validity.
func (r *Registry) ValidateOrCreate(ctx context.Context, token string, cc ClientContext) (*domain.Session, error) {
	clientID := cc.ClientID
	if clientID == "" {
		clientID = "anonymous"
	}
	allowed, err := r.limiter.Allow(ctx, clientID)
	if err != nil {
		return nil, apperr.Transient("session_store_unavailable", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	claims, err := parseToken(token, r.opts.Secret, r.now)
	if err != nil {
		r.log.WithContext(ctx).WithError(err).WithField("client_id", clientID).Debug("entry token rejected")
		return nil, ErrInvalidToken
	}

	if _, err := r.tables.Get(ctx, claims.TenantID, claims.TableID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			r.log.WithContext(ctx).WithFields(logrus.Fields{
				"tenant_id": claims.TenantID,
				"table_id":  claims.TableID,
			}).Warn("validly signed token references a missing table")
			return nil, ErrTableNotFound
		}
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		sess, err := r.resume(ctx, claims.ID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, errNoSession) {
			return nil, err
		}

		sess, created, err := r.create(ctx, claims, clientID)
		if err != nil {
			return nil, err
		}
		if created {
			return sess, nil
		}
		// lost the SETNX race to a concurrent redemption, read theirs
	}
	return nil, apperr.Transient("session_store_unavailable", errSessionRace)
}

// resume refreshes the live session of tokenID. The first redemption after the
// session expired is refused and retires it, so the table code opens a fresh
// session on the next scan.
func (r *Registry) resume(ctx context.Context, tokenID string) (*domain.Session, error) {
	var expiredID string
	sess, err := r.store.Update(ctx, tokenID, func(s *domain.Session) error {
		now := r.now().UTC()
		if !s.Usable(now) {
			expiredID = s.ID
			return ErrInvalidToken
		}
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		return nil
	})
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, ErrInvalidToken):
		if rerr := r.store.Retire(ctx, tokenID, expiredID, r.opts.Lifetime); rerr != nil {
			return nil, apperr.Transient("session_store_unavailable", rerr)
		}
		r.log.WithContext(ctx).WithField("session_id", expiredID).Info("expired session retired")
		return nil, err
	case errors.Is(err, errNoSession):
		return nil, err
	default:
		return nil, apperr.Transient("session_store_unavailable", err)
	}
}

func (r *Registry) create(ctx context.Context, claims *Claims, clientID string) (*domain.Session, bool, error) {
	now := r.now().UTC()
	sess := &domain.Session{
		ID:             uuid.NewString(),
		TokenID:        claims.ID,
		TenantID:       claims.TenantID,
		TableID:        claims.TableID,
		ClientID:       clientID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.opts.Lifetime),
		LastActivityAt: now,
		OrderIDs:       []string{},
	}

	created, err := r.store.Create(ctx, sess, r.opts.Lifetime+r.opts.TokenTTL)
	if err != nil {
		return nil, false, apperr.Transient("session_store_unavailable", err)
	}
	if created {
		r.log.WithContext(ctx).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"tenant_id":  sess.TenantID,
			"table_id":   sess.TableID,
		}).Info("session opened")
	}
	return sess, created, nil
}

// Get returns a usable session.
func (r *Registry) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := r.store.ByID(ctx, sessionID)
	if errors.Is(err, errNoSession) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, apperr.Transient("session_store_unavailable", err)
	}
	if !sess.Usable(r.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// RecordOrder appends orderID to the session. ExpiresAt is never extended.
func (r *Registry) RecordOrder(ctx context.Context, sessionID, orderID string) (*domain.Session, error) {
	current, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess, err := r.store.Update(ctx, current.TokenID, func(s *domain.Session) error {
		now := r.now().UTC()
		if s.ID != sessionID || !s.Usable(now) {
			return ErrSessionExpired
		}
		s.OrderIDs = append(s.OrderIDs, orderID)
		s.CartCount++
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		return nil
	})
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, ErrSessionExpired):
		return nil, ErrSessionExpired
	case errors.Is(err, errNoSession):
		return nil, ErrSessionNotFound
	default:
		return nil, apperr.Transient("session_store_unavailable", err)
	}
}
