package middleware

import (
	"time"

	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/sirupsen/logrus"
)

// RequestLogger writes one structured access log line per request.
// Paths in skip are not logged.
func RequestLogger(logger logrus.FieldLogger, skip ...string) fiber.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c fiber.Ctx) error {
		if _, ok := skipped[c.Path()]; ok {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		entry := logger.WithFields(logrus.Fields{
			"request_id": requestid.FromContext(c),
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"ip":         c.IP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"tenant_id":  c.Get(utils.HeaderTenantID),
		})
		switch {
		case err != nil || status >= fiber.StatusInternalServerError:
			entry.WithError(err).Error("http request")
		case status >= fiber.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
		return err
	}
}
