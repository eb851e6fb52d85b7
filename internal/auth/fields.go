package auth

import (
	"fmt"
	"sort"
	"strings"
)

// AccessLevel is the coarse tier of a delegated grant.
type AccessLevel string

const (
	AccessNone     AccessLevel = "none"
	AccessFull     AccessLevel = "full"
	AccessReadOnly AccessLevel = "read-only"
	AccessLimited  AccessLevel = "limited"
)

// ParseAccessLevel validates raw as a grantable level.
func ParseAccessLevel(raw string) (AccessLevel, error) {
	switch l := AccessLevel(strings.ToLower(strings.TrimSpace(raw))); l {
	case AccessFull, AccessReadOnly, AccessLimited:
		return l, nil
	default:
		return "", fmt.Errorf("%w: unknown access level %q", ErrValidation, raw)
	}
}

// Bucket groups patient record fields for field-level authorization.
type Bucket string

const (
	BucketDemographic Bucket = "demographic"
	BucketVital       Bucket = "vital"
	BucketMedical     Bucket = "medical"
)

var bucketFields = map[Bucket][]string{
	BucketDemographic: {
		"firstName", "lastName", "dateOfBirth", "gender", "phone", "email", "address",
		"emergencyContact", "insuranceProvider", "insuranceNumber",
	},
	BucketVital: {
		"bloodPressure", "heartRate", "temperature", "respiratoryRate", "oxygenSaturation",
		"weight", "height",
	},
	BucketMedical: {
		"bloodType", "allergies", "medications", "diagnoses", "medicalHistory", "clinicalNotes",
	},
}

var fieldBucket = func() map[string]Bucket {
	out := make(map[string]Bucket)
	for b, fields := range bucketFields {
		for _, f := range fields {
			out[f] = b
		}
	}
	return out
}()

// BucketOf returns the bucket a field belongs to. Fields outside the catalog
// are treated as medical so that unknown data is never over-exposed.
func BucketOf(field string) Bucket {
	if b, ok := fieldBucket[field]; ok {
		return b
	}
	return BucketMedical
}

// FieldsIn returns the catalog fields of bucket.
func FieldsIn(b Bucket) []string {
	return append([]string(nil), bucketFields[b]...)
}

type bucketSet map[Bucket]bool

var allBuckets = bucketSet{BucketDemographic: true, BucketVital: true, BucketMedical: true}

func visibleBuckets(role Role, level AccessLevel) bucketSet {
	if level == AccessNone || level == "" {
		return nil
	}
	switch role {
	case RoleAdministrator, RoleDoctor:
		return allBuckets
	case RoleNurse:
		if level == AccessLimited {
			return bucketSet{BucketDemographic: true, BucketVital: true}
		}
		return allBuckets
	case RoleReceptionist:
		return bucketSet{BucketDemographic: true}
	}
	return nil
}

func editableBuckets(role Role, level AccessLevel) bucketSet {
	if level == AccessNone || level == "" || level == AccessReadOnly {
		if role == RoleAdministrator || role == RoleDoctor {
			return visibleBuckets(role, level)
		}
		return nil
	}
	switch role {
	case RoleAdministrator, RoleDoctor:
		return allBuckets
	case RoleNurse:
		if level == AccessLimited {
			return bucketSet{BucketVital: true}
		}
		return allBuckets
	case RoleReceptionist:
		return bucketSet{BucketDemographic: true}
	}
	return nil
}

func (s bucketSet) fields() []string {
	var out []string
	for b := range s {
		out = append(out, bucketFields[b]...)
	}
	sort.Strings(out)
	return out
}

// AllowedFields lists the catalog fields role may see at level.
func AllowedFields(role Role, level AccessLevel) []string {
	return visibleBuckets(role, level).fields()
}

// EditableFields lists the catalog fields role may write at level.
func EditableFields(role Role, level AccessLevel) []string {
	return editableBuckets(role, level).fields()
}

// CanSee reports whether field is visible to role at level.
func CanSee(role Role, level AccessLevel, field string) bool {
	return visibleBuckets(role, level)[BucketOf(field)]
}

// CanEdit reports whether field is writable by role at level.
func CanEdit(role Role, level AccessLevel, field string) bool {
	return editableBuckets(role, level)[BucketOf(field)]
}

// FilterFields returns a copy of record holding only the fields visible to role at level.
func FilterFields(role Role, level AccessLevel, record map[string]any) map[string]any {
	visible := visibleBuckets(role, level)
	out := make(map[string]any, len(record))
	for k, v := range record {
		if visible[BucketOf(k)] {
			out[k] = v
		}
	}
	return out
}

// CheckWritable rejects patch if any key is outside the editable buckets.
func CheckWritable(role Role, level AccessLevel, patch map[string]any) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	editable := editableBuckets(role, level)
	for _, k := range keys {
		if !editable[BucketOf(k)] {
			return fmt.Errorf("%w: field %q is not editable by %s at %s access", ErrForbidden, k, role, level)
		}
	}
	return nil
}
