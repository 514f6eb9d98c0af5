// Package authz answers the console's capability questions. Policy lives
// with whoever issues the agent token; this package only reads it.
package authz

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Privilege names carried in agent tokens.
const (
	PrivilegeCalling  = "webrtc_calling"
	PrivilegePush     = "push_notifications"
	PrivilegeTransfer = "call_transfer"
)

// Capabilities are synchronous yes/no checks for the current agent.
type Capabilities interface {
	CallingEnabled() bool
	PushEnabled() bool
	TransferEnabled() bool
}

// Static is a fixed capability set.
type Static struct {
	Calling  bool
	Push     bool
	Transfer bool
}

var _ Capabilities = Static{}

// AllowAll enables every capability.
func AllowAll() Static { return Static{Calling: true, Push: true, Transfer: true} }

func (s Static) CallingEnabled() bool  { return s.Calling }
func (s Static) PushEnabled() bool     { return s.Push }
func (s Static) TransferEnabled() bool { return s.Transfer }

// Claims is the agent token payload.
type Claims struct {
	jwt.RegisteredClaims
	AgentID    string   `json:"agent_id"`
	Role       string   `json:"role,omitempty"`
	Privileges []string `json:"privileges"`
}

// ErrNoToken is returned before any token has been loaded.
var ErrNoToken = errors.New("no agent token loaded")

// JWTCapabilities derives capabilities from an HS256 agent token. An
// expired or missing token grants nothing.
type JWTCapabilities struct {
	secret []byte
	now    func() time.Time

	mu     sync.RWMutex
	claims *Claims
}

var _ Capabilities = (*JWTCapabilities)(nil)

// NewJWT creates an empty capability set verified with secret.
func NewJWT(secret []byte, now func() time.Time) *JWTCapabilities {
	if now == nil {
		now = time.Now
	}
	return &JWTCapabilities{secret: secret, now: now}
}

// Load verifies token and replaces the current claims.
func (c *JWTCapabilities) Load(token string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(c.now),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("verify agent token: %w", err)
	}
	if claims.AgentID == "" {
		return nil, errors.New("verify agent token: agent_id missing")
	}

	c.mu.Lock()
	c.claims = &claims
	c.mu.Unlock()
	return &claims, nil
}

// Claims returns the loaded claims.
func (c *JWTCapabilities) Claims() (*Claims, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.claims == nil {
		return nil, ErrNoToken
	}
	return c.claims, nil
}

func (c *JWTCapabilities) has(privilege string) bool {
	c.mu.RLock()
	claims := c.claims
	c.mu.RUnlock()
	if claims == nil {
		return false
	}
	if claims.ExpiresAt != nil && !c.now().Before(claims.ExpiresAt.Time) {
		return false
	}
	return slices.Contains(claims.Privileges, privilege)
}

func (c *JWTCapabilities) CallingEnabled() bool  { return c.has(PrivilegeCalling) }
func (c *JWTCapabilities) PushEnabled() bool     { return c.has(PrivilegePush) }
func (c *JWTCapabilities) TransferEnabled() bool { return c.has(PrivilegeTransfer) }

// Issue signs claims, for tooling and tests.
func Issue(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
