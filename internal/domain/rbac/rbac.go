// Пакет rbac — роли сотрудников дилерского центра и их иерархия.
// Роль вычисляется из групп IdP; при нескольких совпадениях берётся старшая.
// Старшая роль включает права младших: admin ⊃ clerk ⊃ viewer.
package rbac

// Роли в порядке возрастания привилегий.
const (
	// RoleViewer — просмотр регистраций, истории и уведомлений.
	RoleViewer = "viewer"
	// RoleClerk — ведение регистраций: стадии, документы, прокат, номера.
	RoleClerk = "clerk"
	// RoleAdmin — архивирование и управление предпочтениями клиентов.
	RoleAdmin = "admin"
)

var roleWeight = map[string]int{
	RoleViewer: 1,
	RoleClerk:  2,
	RoleAdmin:  3,
}

// GroupMapping — группы IdP, дающие каждую роль.
type GroupMapping struct {
	Admin  []string
	Clerk  []string
	Viewer []string
}

// Allows сообщает, покрывает ли роль effective требуемую роль required.
// Пустая или неизвестная роль не покрывает ничего.
func Allows(effective, required string) bool {
	we, ok := roleWeight[effective]
	if !ok {
		return false
	}
	return we >= roleWeight[required]
}

// HighestRole возвращает старшую роль из набора, игнорируя неизвестные.
// Пустой результат — ни одной известной роли.
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		if roleWeight[r] > roleWeight[highest] {
			highest = r
		}
	}
	return highest
}

// MapGroupsToRole определяет роль по группам IdP.
func MapGroupsToRole(groups []string, m GroupMapping) string {
	byGroup := make(map[string][]string)
	for role, gs := range map[string][]string{RoleAdmin: m.Admin, RoleClerk: m.Clerk, RoleViewer: m.Viewer} {
		for _, g := range gs {
			byGroup[g] = append(byGroup[g], role)
		}
	}

	var roles []string
	for _, g := range groups {
		roles = append(roles, byGroup[g]...)
	}
	return HighestRole(roles)
}

// IsValidRole проверяет, является ли строка известной ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}
