// Package token implements single-use, expiring confirmation tokens that
// authorize creating an operation despite detected duplicates. Tokens live
// only in process memory: a restart invalidates every outstanding token,
// which keeps the replay surface small.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"time"

	"sicalgate/internal/domain"
	"sicalgate/internal/sign"
)

// DefaultLifetime is how long an issued token stays valid.
const DefaultLifetime = 300 * time.Second

const sweepInterval = time.Minute

// Validation failures, ordered by check precedence. The order callers
// observe is a contract: missing, not found, already used, expired,
// data mismatch.
var (
	ErrMissing     = errors.New("missing confirmation token - force_create requires a valid token from a duplicate check")
	ErrNotFound    = errors.New("invalid confirmation token - token not found or already evicted")
	ErrAlreadyUsed = errors.New("confirmation token already used - each token can only be used once")
	ErrExpired     = errors.New("confirmation token expired")
	ErrMismatch    = errors.New("confirmation token does not match operation data - possible tampering detected")
)

type record struct {
	bindingHash string
	tercero     string
	createdAt   time.Time
	expiresAt   time.Time
	used        bool
}

// Service issues and validates confirmation tokens. All methods are safe for
// concurrent use; issue and validate-and-consume are atomic with respect to
// each other.
type Service struct {
	mu        sync.Mutex
	secret    []byte
	lifetime  time.Duration
	tokens    map[string]*record
	lastSweep time.Time
	logger    *log.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewService creates a token service. A zero lifetime selects
// DefaultLifetime.
func NewService(secret []byte, lifetime time.Duration, logger *log.Logger) *Service {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		secret:   secret,
		lifetime: lifetime,
		tokens:   make(map[string]*record),
		logger:   logger,
		Now:      time.Now,
	}
}

// Issue creates a token bound to the descriptor's identity fields and
// returns its id and expiry. It never fails for a normalized descriptor.
func (s *Service) Issue(d domain.OperationDescriptor) (string, time.Time) {
	hash := BindingHash(s.secret, d)
	now := s.Now()
	expiresAt := now.Add(s.lifetime)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := newTokenID()
	for _, exists := s.tokens[id]; exists; _, exists = s.tokens[id] {
		id = newTokenID()
	}
	s.tokens[id] = &record{
		bindingHash: hash,
		tercero:     d.Tercero,
		createdAt:   now,
		expiresAt:   expiresAt,
	}
	s.logger.Printf("issued confirmation token %s... for tercero %s, valid %s", clip(id), d.Tercero, s.lifetime)
	s.sweepLocked(now)
	return id, expiresAt
}

// ValidateAndConsume checks a token against the descriptor and, if every
// check passes, irreversibly marks it consumed. Checks run in a fixed order
// and stop at the first failure. Exactly one of two concurrent calls on the
// same id can succeed.
func (s *Service) ValidateAndConsume(id string, d domain.OperationDescriptor) error {
	if id == "" {
		s.logger.Printf("SECURITY: missing confirmation token for force_create (tercero %s)", d.Tercero)
		return ErrMissing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		s.logger.Printf("SECURITY: unknown confirmation token %s...", clip(id))
		return ErrNotFound
	}
	if rec.used {
		s.logger.Printf("SECURITY: replay detected, token %s... already used (tercero %s)", clip(id), rec.tercero)
		return ErrAlreadyUsed
	}
	now := s.Now()
	if !now.Before(rec.expiresAt) {
		s.logger.Printf("SECURITY: expired token %s... used, age %s, max %s", clip(id), now.Sub(rec.createdAt), s.lifetime)
		return ErrExpired
	}
	if hash := BindingHash(s.secret, d); !sign.Equal(hash, rec.bindingHash) {
		s.logger.Printf("SECURITY: binding hash mismatch for token %s..., possible data tampering", clip(id))
		return ErrMismatch
	}
	rec.used = true
	s.logger.Printf("confirmation token %s... consumed for tercero %s, %s remaining", clip(id), rec.tercero, rec.expiresAt.Sub(now).Round(time.Second))
	return nil
}

// Stats describes the current registry contents.
type Stats struct {
	Total           int `json:"total_tokens"`
	Active          int `json:"active_tokens"`
	Used            int `json:"used_tokens"`
	Expired         int `json:"expired_tokens"`
	LifetimeSeconds int `json:"token_lifetime_seconds"`
}

// Stats reports token registry counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	st := Stats{Total: len(s.tokens), LifetimeSeconds: int(s.lifetime / time.Second)}
	for _, rec := range s.tokens {
		switch {
		case rec.used:
			st.Used++
		case now.Before(rec.expiresAt):
			st.Active++
		default:
			st.Expired++
		}
	}
	return st
}

// BindingHash computes the keyed hash over the descriptor fields that
// identify an operation: tercero, fecha, caja and each line item's
// funcional/economica/importe triple. Field order cannot affect the result.
func BindingHash(secret []byte, d domain.OperationDescriptor) string {
	items := make([]map[string]string, 0, len(d.Aplicaciones))
	for _, app := range d.Aplicaciones {
		items = append(items, map[string]string{
			"funcional": app.Funcional,
			"economica": app.Economica,
			"importe":   app.Importe,
		})
	}
	bound := map[string]any{
		"tercero":      d.Tercero,
		"fecha":        d.Fecha,
		"caja":         d.Caja,
		"aplicaciones": items,
	}
	payload, err := sign.CanonicalJSON(bound)
	if err != nil {
		// The bound map contains only strings; this cannot happen.
		panic(err)
	}
	return sign.HMACHex(secret, payload)
}

// sweepLocked drops expired tokens at most once per sweepInterval. Caller
// must hold s.mu.
func (s *Service) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	removed := 0
	for id, rec := range s.tokens {
		if !now.Before(rec.expiresAt) {
			delete(s.tokens, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("swept %d expired confirmation tokens", removed)
	}
}

// newTokenID returns a url-safe id with 256 bits of entropy.
func newTokenID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func clip(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
