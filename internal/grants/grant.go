// Package grants manages time-boxed delegations of patient access from
// doctors and administrators to support staff.
package grants

import (
	"slices"
	"time"

	"clinicore.org/internal/auth"
)

// Grant is one delegation. Grants are never deleted; revocation and expiry
// only change whether they are effective.
type Grant struct {
	ID                 string            `json:"id"`
	PatientID          string            `json:"patient_id"`
	GranteeAccountID   string            `json:"grantee_account_id"`
	GrantedByAccountID string            `json:"granted_by_account_id"`
	AccessLevel        auth.AccessLevel  `json:"access_level"`
	Permissions        []auth.Permission `json:"permissions"`
	GrantedAt          time.Time         `json:"granted_at"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	IsActive           bool              `json:"is_active"`
	Reason             string            `json:"reason"`
	RevokedAt          *time.Time        `json:"revoked_at,omitempty"`
	RevokedBy          string            `json:"revoked_by,omitempty"`
}

// EffectiveAt reports whether the grant is active and unexpired at now.
func (g Grant) EffectiveAt(now time.Time) bool {
	return g.IsActive && (g.ExpiresAt == nil || now.Before(*g.ExpiresAt))
}

func (g Grant) delegated() auth.DelegatedAccess {
	return auth.DelegatedAccess{
		PatientID:   g.PatientID,
		AccessLevel: g.AccessLevel,
		Permissions: slices.Clone(g.Permissions),
	}
}

// GrantRequest is the input to Grant.
type GrantRequest struct {
	GrantedBy   string            `json:"granted_by"`
	PatientID   string            `json:"patient_id"`
	GranteeID   string            `json:"grantee_id"`
	AccessLevel auth.AccessLevel  `json:"access_level"`
	Permissions []auth.Permission `json:"permissions,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Reason      string            `json:"reason"`
}

// GrantView is a grant enriched for display on a patient's sharing page.
type GrantView struct {
	Grant
	GranteeName   string `json:"grantee_name"`
	GrantedByName string `json:"granted_by_name"`
	Effective     bool   `json:"effective"`
}

// EffectiveGrant is an effective grant as seen by its grantee.
type EffectiveGrant struct {
	Grant
	PatientName string `json:"patient_name"`
}

// allowance returns the permissions a grant of level may carry for a grantee
// holding role.
func allowance(level auth.AccessLevel, role auth.Role) []auth.Permission {
	switch level {
	case auth.AccessFull:
		return []auth.Permission{auth.PermPatientsRead, auth.PermPatientsUpdate}
	case auth.AccessReadOnly:
		return []auth.Permission{auth.PermPatientsRead}
	case auth.AccessLimited:
		switch role {
		case auth.RoleNurse:
			return []auth.Permission{auth.PermPatientsRead, auth.PermPatientsUpdateVitals}
		case auth.RoleReceptionist:
			return []auth.Permission{auth.PermPatientsRead, auth.PermPatientsUpdateDemographics}
		}
	}
	return nil
}
