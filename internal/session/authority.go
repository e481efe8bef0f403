// Package session issues, validates, refreshes and revokes device sessions.
//
// Tokens are signed bearer credentials; validation could be purely stateless,
// but logout, rotate-on-compromise and the concurrent-session cap all require
// a revocation authority, so every token is bound to a server-side session.
// What is checked is the token's session binding, not the token itself on a
// blacklist, keeping state O(sessions) rather than O(tokens).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shiftwire/shiftwire/internal/types"
)

// TokenKind distinguishes access from refresh credentials.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

var (
	ErrExpired         = errors.New("token expired")
	ErrMalformed       = errors.New("token malformed")
	ErrRevoked         = errors.New("token revoked")
	ErrSessionInactive = errors.New("session inactive")
	ErrSessionNotFound = errors.New("session not found")
	ErrNeedsRefresh    = errors.New("token signed by retired key, refresh required")
	ErrWrongKind       = errors.New("wrong token kind")
)

// Claims are the signed token contents.
type Claims struct {
	SubjectID string    `json:"sub_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id"`
	Kind      TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// Config holds the authority's settings.
type Config struct {
	// SigningSecret is the primary HS256 key.
	SigningSecret string

	// PreviousSecret, when set, is accepted during the rotation grace window.
	PreviousSecret string

	// RotatedAt anchors the grace window; zero means no rotation in progress.
	RotatedAt time.Time

	// KeyGraceDays is how long after RotatedAt previous-secret tokens are
	// accepted. 0 disables the previous secret entirely.
	KeyGraceDays int

	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	MaxConcurrentSessions int
}

func (c Config) withDefaults() Config {
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 5
	}
	return c
}

// Credentials are the result of issuing a session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	AccessTTL    time.Duration
}

// Authority is the session/token authority.
type Authority struct {
	store *Store
	cfg   Config
}

// NewAuthority creates an authority backed by the given session store.
func NewAuthority(store *Store, cfg Config) *Authority {
	return &Authority{store: store, cfg: cfg.withDefaults()}
}

// Issue authenticates nothing by itself; the caller has already verified the
// device. It creates an active session and mints its token pair, evicting the
// subject's oldest sessions beyond the concurrency cap.
func (a *Authority) Issue(ctx context.Context, subjectID, deviceID, remoteAddr, userAgent string) (*Credentials, error) {
	now := time.Now().UTC()
	sessionID := ulid.Make().String()

	s := &types.Session{
		SessionID:        sessionID,
		SubjectID:        subjectID,
		DeviceID:         deviceID,
		RemoteAddr:       remoteAddr,
		UserAgent:        userAgent,
		State:            types.SessionActive,
		CreatedAt:        now,
		LastActiveAt:     now,
		AccessExpiresAt:  now.Add(a.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(a.cfg.RefreshTTL),
	}

	evicted, err := a.store.Create(ctx, s, a.cfg.MaxConcurrentSessions)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	for _, id := range evicted {
		slog.Info("session evicted",
			"component", "session",
			"action", "concurrent_limit_evict",
			"subject_id", subjectID,
			"session_id", id,
		)
	}

	access, err := a.mint(subjectID, deviceID, sessionID, KindAccess, now, a.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := a.mint(subjectID, deviceID, sessionID, KindRefresh, now, a.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		AccessTTL:    a.cfg.AccessTTL,
	}, nil
}

// Validate verifies a token of the given kind and confirms its session is
// still active. On success the session's last-activity timestamp is updated.
func (a *Authority) Validate(ctx context.Context, token string, kind TokenKind) (*Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, err
	}

	if claims.Kind != kind {
		return nil, ErrWrongKind
	}

	s, err := a.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	if s.State != types.SessionActive {
		return nil, ErrSessionInactive
	}

	if err := a.store.Touch(ctx, claims.SessionID); err != nil {
		slog.Warn("session touch failed",
			"component", "session",
			"session_id", claims.SessionID,
			"error", err,
		)
	}

	return claims, nil
}

// Refresh validates a refresh token and mints a new access token bound to the
// same session. Refresh expiry is not extended.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	claims, err := a.Validate(ctx, refreshToken, KindRefresh)
	if err != nil {
		return "", 0, err
	}

	access, err := a.mint(claims.SubjectID, claims.DeviceID, claims.SessionID, KindAccess, time.Now().UTC(), a.cfg.AccessTTL)
	if err != nil {
		return "", 0, fmt.Errorf("mint access token: %w", err)
	}

	return access, a.cfg.AccessTTL, nil
}

// Terminate marks a session terminated; any token bound to it then fails
// validation with ErrSessionInactive.
func (a *Authority) Terminate(ctx context.Context, sessionID, reason string) error {
	if err := a.store.Terminate(ctx, sessionID, reason); err != nil {
		return err
	}

	slog.Info("session terminated",
		"component", "session",
		"action", "terminate",
		"session_id", sessionID,
		"reason", reason,
	)

	return nil
}

// List enumerates the subject's active sessions, newest first.
func (a *Authority) List(ctx context.Context, subjectID string) ([]types.SessionSummary, error) {
	sessions, err := a.store.ListActive(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.SessionSummary, len(sessions))
	for i, s := range sessions {
		summaries[i] = types.SessionSummary{
			SessionID:    s.SessionID,
			DeviceID:     s.DeviceID,
			RemoteAddr:   s.RemoteAddr,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
		}
	}

	return summaries, nil
}

func (a *Authority) mint(subjectID, deviceID, sessionID string, kind TokenKind, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		SubjectID: subjectID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.SigningSecret))
}

// parse verifies the signature against the primary secret, falling back to
// the previous secret inside the rotation grace window.
func (a *Authority) parse(token string) (*Claims, error) {
	claims, err := parseWithSecret(token, a.cfg.SigningSecret)
	if err == nil {
		return claims, nil
	}
	if !isSignatureErr(err) {
		return nil, mapJWTError(err)
	}

	// Signature mismatch on the primary key: try the previous one.
	if a.cfg.PreviousSecret == "" || a.cfg.KeyGraceDays <= 0 {
		return nil, ErrMalformed
	}

	claims, prevErr := parseWithSecret(token, a.cfg.PreviousSecret)
	if prevErr != nil {
		if isSignatureErr(prevErr) {
			return nil, ErrMalformed
		}
		return nil, mapJWTError(prevErr)
	}

	graceEnds := a.cfg.RotatedAt.Add(time.Duration(a.cfg.KeyGraceDays) * 24 * time.Hour)
	if a.cfg.RotatedAt.IsZero() || time.Now().After(graceEnds) {
		return nil, ErrNeedsRefresh
	}

	return claims, nil
}

func parseWithSecret(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func isSignatureErr(err error) bool {
	return errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrSignatureInvalid)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}
