// Package approval implements the two-man rule: a sensitive command proceeds
// only after a second, distinct actor confirms it with a single-use token.
//
// Confirmation succeeds only through a conditional UPDATE on a PENDING,
// unexpired row, so concurrent confirms of one token cannot both win.
// Business-rule failures are returned as a Result with a reason string,
// never as errors.
package approval

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

const (
	// DefaultTTL applies when Request is called with a non-positive TTL.
	DefaultTTL = 300 * time.Second

	// DefaultTokenLength is the token size: 36^8 ≈ 2.8e12 combinations.
	DefaultTokenLength = 8

	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// maxTokenDraws bounds re-draws after a UNIQUE collision.
	maxTokenDraws = 3
)

// Reasons reported in Result.
const (
	ReasonApproved        = "approved"
	ReasonRejected        = "rejected"
	ReasonNotFound        = "approval not found"
	ReasonSelfApproval    = "initiator cannot approve"
	ReasonSelfRejection   = "initiator cannot reject"
	ReasonInvalidToken    = "invalid token"
	ReasonExpiredOrUsed   = "token expired or already used"
	ReasonAlreadyDecided  = "approval already decided or expired"
	defaultRejectionLabel = "rejected"
)

// Status is an approval state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusOK       Status = "OK"
	StatusExpired  Status = "EXPIRED"
	StatusRejected Status = "REJECTED"
)

// Approval is one persisted approval request.
type Approval struct {
	ID        int64     `json:"id"`
	SubjectID int64     `json:"subject_id"`
	Token     string    `json:"token"`
	Status    Status    `json:"status"`
	Initiator string    `json:"initiator"`
	Approver  string    `json:"approver,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// Result is the outcome of Confirm or Reject.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func fail(reason string) Result { return Result{Reason: reason} }

// Service manages approvals in the shared store.
type Service struct {
	db          *sql.DB
	clock       clock.Clock
	logger      *slog.Logger
	tokenLength int
	defaultTTL  time.Duration
	random      io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTokenLength overrides DefaultTokenLength.
func WithTokenLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.tokenLength = n
		}
	}
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// withRandom replaces the token entropy source. Test hook.
func withRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// New creates a Service on st.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		db:          st.DB(),
		clock:       clock.System{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tokenLength: DefaultTokenLength,
		defaultTTL:  DefaultTTL,
		random:      rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request creates a PENDING approval for subjectID and returns its token.
func (s *Service) Request(ctx context.Context, subjectID int64, initiator string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()

	for draw := 1; ; draw++ {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("request approval for %d: %w", subjectID, err)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO approvals(subject_id, token, status, initiator, created_at, expires_at)
			VALUES (?, ?, 'PENDING', ?, ?, ?)
		`, subjectID, token, initiator, clock.Millis(now), clock.Millis(now.Add(ttl)))
		if err == nil {
			s.logger.Info("approval requested", "subject_id", subjectID, "initiator", initiator)
			return token, nil
		}

		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique && draw < maxTokenDraws {
			s.logger.Warn("approval token collision; redrawing", "subject_id", subjectID)
			continue
		}
		return "", fmt.Errorf("request approval for %d: %w", subjectID, err)
	}
}

func (s *Service) newToken() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, s.tokenLength)
	for i := range buf {
		n, err := rand.Int(s.random, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Confirm approves the latest approval for subjectID.
//
// Checks run in order: existence, approver distinct from initiator, token
// match, then the PENDING/unexpired CAS. A lost CAS sweeps expired rows
// before reporting.
func (s *Service) Confirm(ctx context.Context, subjectID int64, approver, token string) (Result, error) {
	a, err := s.Latest(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(ReasonNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if a.Initiator == approver {
		return fail(ReasonSelfApproval), nil
	}
	if a.Token != token {
		return fail(ReasonInvalidToken), nil
	}

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'OK', approver = ?, decided_at = ?
		WHERE token = ? AND status = 'PENDING' AND expires_at > ?
	`, approver, clock.Millis(now), token, clock.Millis(now))
	if err != nil {
		return Result{}, fmt.Errorf("confirm approval %d: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("confirm approval %d: rows affected: %w", a.ID, err)
	}
	if n == 0 {
		if _, err := s.ExpireSweep(ctx, now); err != nil {
			return Result{}, err
		}
		return fail(ReasonExpiredOrUsed), nil
	}

	s.logger.Info("approval confirmed", "subject_id", subjectID, "approver", approver)
	return Result{OK: true, Reason: ReasonApproved}, nil
}

// Reject marks the latest PENDING approval for subjectID as REJECTED.
func (s *Service) Reject(ctx context.Context, subjectID int64, approver, reason string) (Result, error) {
	a, err := s.Latest(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(ReasonNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if a.Initiator == approver {
		return fail(ReasonSelfRejection), nil
	}
	if reason == "" {
		reason = defaultRejectionLabel
	}

	now := clock.Millis(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'REJECTED', approver = ?, reason = ?, decided_at = ?
		WHERE id = ? AND status = 'PENDING' AND expires_at > ?
	`, approver, reason, now, a.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("reject approval %d: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("reject approval %d: rows affected: %w", a.ID, err)
	}
	if n == 0 {
		return fail(ReasonAlreadyDecided), nil
	}

	s.logger.Info("approval rejected", "subject_id", subjectID, "approver", approver, "reason", reason)
	return Result{OK: true, Reason: ReasonRejected}, nil
}

// ExpireSweep flips PENDING approvals with expires_at ≤ now to EXPIRED.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ms := clock.Millis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'EXPIRED', decided_at = ?
		WHERE status = 'PENDING' AND expires_at <= ?
	`, ms, ms)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire approvals: rows affected: %w", err)
	}
	return int(n), nil
}

// Latest returns the newest approval for subjectID, or store.ErrNotFound.
func (s *Service) Latest(ctx context.Context, subjectID int64) (Approval, error) {
	var (
		a                Approval
		status           string
		approver, reason sql.NullString
		created, expires int64
		decided          sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, token, status, initiator, approver, reason,
		       created_at, expires_at, decided_at
		FROM approvals WHERE subject_id = ?
		ORDER BY id DESC LIMIT 1
	`, subjectID).Scan(&a.ID, &a.SubjectID, &a.Token, &status, &a.Initiator,
		&approver, &reason, &created, &expires, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, fmt.Errorf("approval for %d: %w", subjectID, store.ErrNotFound)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("get approval for %d: %w", subjectID, err)
	}

	a.Status = Status(status)
	a.Approver = approver.String
	a.Reason = reason.String
	a.CreatedAt = clock.FromMillis(created)
	a.ExpiresAt = clock.FromMillis(expires)
	if decided.Valid {
		a.DecidedAt = clock.FromMillis(decided.Int64)
	}
	return a, nil
}

// CountPending returns the number of PENDING approvals.
func (s *Service) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approvals WHERE status = 'PENDING'",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}
