package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissions(t *testing.T) {
	assert.True(t, HasPermission("", PermissionUpdateTask))
	assert.True(t, HasPermission(RoleUser, PermissionManageRule))
	assert.False(t, HasPermission(RoleUser, PermissionOperate))
	assert.True(t, HasPermission(RoleAdmin, PermissionOperate))
	assert.False(t, HasPermission("guest", PermissionReadGoal))
}

func TestCheckPermission(t *testing.T) {
	err := CheckPermission("u1", RoleUser, PermissionOperate)
	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, "u1", denied.UserID)

	assert.NoError(t, CheckPermission("u1", RoleAdmin, PermissionOperate))
}
