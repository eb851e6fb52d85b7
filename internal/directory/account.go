// Package directory manages staff accounts: creation, role and status
// changes, credentials and sign-in.
package directory

import (
	"maps"
	"strings"
	"time"

	"clinicore.org/internal/auth"
)

// SystemActor is recorded as the creator of bootstrap accounts.
const SystemActor = "system"

// Account is a staff member. The credential hash never leaves this package.
type Account struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"display_name"`
	Role        auth.Role      `json:"role"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by"`
	LastLoginAt *time.Time     `json:"last_login_at,omitempty"`
	Profile     map[string]any `json:"profile,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Actor returns the authorization identity of the account.
func (a Account) Actor() auth.Actor {
	return auth.Actor{ID: a.ID, Name: a.DisplayName, Role: a.Role, Active: a.IsActive}
}

func (a Account) clone() Account {
	a.Profile = maps.Clone(a.Profile)
	a.Settings = maps.Clone(a.Settings)
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		a.LastLoginAt = &t
	}
	return a
}

// accountRecord is the persisted form.
type accountRecord struct {
	Account
	SecretHash string `json:"secret_hash"`
}

// NewAccount is the input to Create and EnsureAdministrator.
type NewAccount struct {
	Email       string         `json:"email"`
	DisplayName string         `json:"display_name"`
	Role        auth.Role      `json:"role"`
	Secret      string         `json:"secret"`
	Profile     map[string]any `json:"profile,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// AccountPatch carries the fields Update may change. Nil pointers leave a
// field untouched; a nil map value removes that key.
type AccountPatch struct {
	Email       *string        `json:"email,omitempty"`
	DisplayName *string        `json:"display_name,omitempty"`
	Role        *auth.Role     `json:"role,omitempty"`
	Profile     map[string]any `json:"profile,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

func (p AccountPatch) empty() bool {
	return p.Email == nil && p.DisplayName == nil && p.Role == nil && len(p.Profile) == 0 && len(p.Settings) == 0
}

func mergeAttributes(dst, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
