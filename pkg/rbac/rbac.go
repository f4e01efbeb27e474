package rbac

import "slices"

// 权限常量
const (
	PermissionReadGoal    = "goal:read"
	PermissionCreateGoal  = "goal:create"
	PermissionPlanRoadmap = "goal:plan"

	PermissionReadTask   = "task:read"
	PermissionCreateTask = "task:create"
	PermissionUpdateTask = "task:update"
	PermissionDeleteTask = "task:delete"

	PermissionReadRule   = "rule:read"
	PermissionManageRule = "rule:manage"

	// 运维操作：物化、重新生成
	PermissionOperate = "ops:run"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var userPermissions = []string{
	PermissionReadGoal,
	PermissionCreateGoal,
	PermissionPlanRoadmap,
	PermissionReadTask,
	PermissionCreateTask,
	PermissionUpdateTask,
	PermissionDeleteTask,
	PermissionReadRule,
	PermissionManageRule,
}

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser:  userPermissions,
	RoleAdmin: append(slices.Clone(userPermissions), PermissionOperate),
}

// RoleOrDefault 空角色视为普通用户
func RoleOrDefault(role string) string {
	if role == "" {
		return RoleUser
	}
	return role
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	return slices.Contains(rolePermissions[RoleOrDefault(role)], permission)
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{UserID: userID, Permission: permission}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
