package auth

import (
	"errors"
	"testing"
	"time"

	"clinicore.org/internal/clock"
)

const testSecret = "session-secret-for-tests"

func TestSessionIssueAndVerify(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	issuer, err := NewSessionIssuer(testSecret, WithIssuerClock(fake))
	if err != nil {
		t.Fatalf("NewSessionIssuer: %v", err)
	}
	snap := AccountSnapshot{ID: "N1", Name: "Nia", Email: "nia@clinic.test", Role: RoleNurse, Permissions: PermissionsFor(RoleNurse)}
	sess, err := issuer.Issue(snap)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := sess.ExpiresAt.Sub(fake.Now()); got != DefaultSessionTTL {
		t.Fatalf("unexpected ttl: %v", got)
	}

	verified, err := issuer.Verify(sess.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Account.ID != "N1" || verified.Account.Role != RoleNurse {
		t.Fatalf("unexpected account: %+v", verified.Account)
	}
	if !verified.HasPermission(PermPatientsUpdateVitals) || verified.HasPermission(PermPatientsDelete) {
		t.Fatalf("permission snapshot not preserved: %v", verified.Account.Permissions)
	}

	fake.Advance(DefaultSessionTTL + time.Second)
	if _, err := issuer.Verify(sess.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
}

func TestSessionVerifyRejectsForeignToken(t *testing.T) {
	a, _ := NewSessionIssuer(testSecret)
	b, _ := NewSessionIssuer("a-completely-different-secret")
	sess, err := a.Issue(AccountSnapshot{ID: "A1", Role: RoleAdministrator})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := a.Verify("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to be rejected, got %v", err)
	}
}

func TestNewSessionIssuerValidation(t *testing.T) {
	if _, err := NewSessionIssuer("short"); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
	if _, err := NewSessionIssuer(testSecret, WithSessionTTL(-time.Minute)); err == nil {
		t.Fatal("expected negative ttl to be rejected")
	}
}
