package web

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relokate/masterflow/pkg/models"
)

const tenantLocalsKey = "tenant"

// TenantMiddleware builds the tenant context from the scope headers and
// rejects requests missing any of them before they reach the core.
func TenantMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		tenant := models.TenantContext{
			ClientAccountID: c.Get(HeaderClientAccountID),
			EngagementID:    c.Get(HeaderEngagementID),
			UserID:          c.Get(HeaderUserID),
		}

		err := tenant.Validate()
		if err != nil {
			return badRequest(c, "Missing tenant scope: "+err.Error())
		}

		c.Locals(tenantLocalsKey, tenant)

		return c.Next()
	}
}

func tenantFromContext(c fiber.Ctx) models.TenantContext {
	tenant, _ := c.Locals(tenantLocalsKey).(models.TenantContext)

	return tenant
}
