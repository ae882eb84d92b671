// Package auth guards the admin HTTP surface with a single bearer token.
// The Supervisor command surface itself is unauthenticated in-process, §6
// ("No authentication is specified at this layer; the surface is
// in-process") — this package only guards the HTTP façade cmd/autophoned
// exposes over it.
package auth

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service checks bearer tokens against a single bcrypt-hashed admin token.
type Service struct {
	tokenHash []byte
	logger    *zap.Logger
}

// NewService hashes token once at startup; every request is checked
// against the hash rather than comparing the plaintext, so a leaked log
// line or panic dump never reveals the configured token.
func NewService(token string, logger *zap.Logger) (*Service, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to hash admin token: %w", err)
	}
	return &Service{tokenHash: hash, logger: logger}, nil
}

// RequireBearer is Fiber middleware enforcing `Authorization: Bearer <token>`.
func (s *Service) RequireBearer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing bearer token"})
		}
		token := header[len(prefix):]
		if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid bearer token"})
		}
		return c.Next()
	}
}
