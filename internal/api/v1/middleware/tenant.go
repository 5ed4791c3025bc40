// Package middleware provides HTTP middleware for the API
package middleware

import (
	fiber "github.com/gofiber/fiber/v2"
)

// TenantHeader carries the tenant identity resolved by the auth layer in
// front of this service
const TenantHeader = "X-Tenant-ID"

// TenantLocal is the fiber locals key holding the resolved tenant id
const TenantLocal = "tenant_id"

// RequireTenant rejects requests without a tenant identity. Every batch job
// route is tenant-scoped.
func RequireTenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := c.Get(TenantHeader)
		if tenantID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"slug":  "unauthorized",
				"error": "missing tenant",
			})
		}
		c.Locals(TenantLocal, tenantID)
		return c.Next()
	}
}

// TenantID returns the tenant id resolved by RequireTenant
func TenantID(c *fiber.Ctx) string {
	tenantID, _ := c.Locals(TenantLocal).(string)
	return tenantID
}
