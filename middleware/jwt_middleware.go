package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"outreach/utils"
)

// Operator protects the administrative API. The bearer token comes from the
// Authorization header or, for websocket upgrades from browsers, the
// access_token cookie. With no secret configured every request is refused.
func Operator(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Operator API is not configured", nil)
		}

		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}
		if claims.Role != utils.RoleOperator {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Operator role required", nil)
		}

		c.Locals("operator", claims.Subject)
		return c.Next()
	}
}
