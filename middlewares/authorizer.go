package middlewares

import (
	"context"

	"github.com/mmdatafocus/datapipe_backend/utils"
)

// Authorizer gates trigger and read operations on a tenant's resources.
type Authorizer interface {
	Authorize(ctx context.Context, tenantId string) error
}

// TenantAuthorizer allows a session to act on its own tenant; admins act on any.
type TenantAuthorizer struct{}

func (TenantAuthorizer) Authorize(ctx context.Context, tenantId string) error {
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	sessionTenant, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || sessionTenant == "" || sessionTenant != tenantId {
		return utils.ErrForbidden
	}
	return nil
}

// ResolveTenant picks the tenant a request acts for: the session tenant, or for
// admins an explicitly requested one.
func ResolveTenant(ctx context.Context, requested string) (string, error) {
	sessionTenant, _ := utils.GetTenantIdFromContext(ctx)
	if requested == "" || requested == sessionTenant {
		if sessionTenant == "" {
			return "", utils.ErrForbidden
		}
		return sessionTenant, nil
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return requested, nil
	}
	return "", utils.ErrForbidden
}
