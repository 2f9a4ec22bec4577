package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	operatorMethods = "GET,POST,PUT,OPTIONS"
	operatorHeaders = "Authorization,Content-Type,Accept,X-Requested-With"
	preflightMaxAge = time.Hour
)

// OperatorCORS admits the dashboard origins to the operator API. A "*"
// entry admits any origin; the origin is still echoed back rather than
// sent as a wildcard so credentialed requests keep working. Preflights from
// other origins are refused, simple requests pass without CORS headers and
// are blocked by the browser.
func OperatorCORS(origins []string) fiber.Handler {
	anyOrigin := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			anyOrigin = true
			continue
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	maxAge := strconv.Itoa(int(preflightMaxAge.Seconds()))

	return func(c *fiber.Ctx) error {
		origin := c.Get(fiber.HeaderOrigin)
		if origin == "" {
			return c.Next()
		}
		c.Vary(fiber.HeaderOrigin)

		_, ok := allowed[origin]
		ok = ok || anyOrigin
		preflight := c.Method() == fiber.MethodOptions && c.Get(fiber.HeaderAccessControlRequestMethod) != ""

		if !ok {
			if preflight {
				return c.SendStatus(fiber.StatusForbidden)
			}
			return c.Next()
		}

		c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
		c.Set(fiber.HeaderAccessControlAllowCredentials, "true")
		if !preflight {
			return c.Next()
		}
		c.Set(fiber.HeaderAccessControlAllowMethods, operatorMethods)
		c.Set(fiber.HeaderAccessControlAllowHeaders, operatorHeaders)
		c.Set(fiber.HeaderAccessControlMaxAge, maxAge)
		return c.SendStatus(fiber.StatusNoContent)
	}
}
