package directory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/clock"
	"clinicore.org/internal/store"
)

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *captureRecorder) last() audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

type fixture struct {
	svc   *Service
	rec   *captureRecorder
	clock *clock.FakeClock
	admin Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	issuer, err := auth.NewSessionIssuer("test-secret-0123456789", auth.WithIssuerClock(clk))
	require.NoError(t, err)
	rec := &captureRecorder{}
	svc, err := NewService(NewRepository(store.NewMemory()), rec, issuer, WithClock(clk))
	require.NoError(t, err)

	admin, created, err := svc.EnsureAdministrator(context.Background(), NewAccount{
		Email: "admin@clinic.test", DisplayName: "Ada Admin", Secret: "correct horse",
	})
	require.NoError(t, err)
	require.True(t, created)
	return &fixture{svc: svc, rec: rec, clock: clk, admin: admin}
}

func (f *fixture) create(t *testing.T, email string, role auth.Role) Account {
	t.Helper()
	acct, err := f.svc.Create(context.Background(), f.admin.ID, NewAccount{
		Email: email, DisplayName: "Staff " + email, Role: role, Secret: "s3cret-pass",
	})
	require.NoError(t, err)
	return acct
}

func TestEnsureAdministratorIsIdempotent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, SystemActor, f.admin.CreatedBy)
	assert.Equal(t, auth.RoleAdministrator, f.admin.Role)

	_, created, err := f.svc.EnsureAdministrator(context.Background(), NewAccount{
		Email: "other@clinic.test", DisplayName: "Other", Secret: "another one",
	})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateRequiresAdministrator(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t, "doc@clinic.test", auth.RoleDoctor)

	_, err := f.svc.Create(context.Background(), doc.ID, NewAccount{
		Email: "n@clinic.test", DisplayName: "N", Role: auth.RoleNurse, Secret: "s3cret-pass",
	})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	last := f.rec.last()
	assert.False(t, last.IsSuccess)
	assert.Equal(t, audit.ActionCreate, last.Action)
}

func TestCreateRejectsDuplicateEmailCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a@x.com", auth.RoleNurse)

	_, err := f.svc.Create(context.Background(), f.admin.ID, NewAccount{
		Email: "A@X.com", DisplayName: "Again", Role: auth.RoleNurse, Secret: "s3cret-pass",
	})
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestCreateAggregatesValidationErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.admin.ID, NewAccount{
		Email: "not-an-email", DisplayName: " ", Role: "janitor", Secret: "short",
	})
	require.ErrorIs(t, err, auth.ErrValidation)

	var fields errsx.Map
	require.ErrorAs(t, err, &fields)
	for _, key := range []string{"email", "display_name", "role", "secret"} {
		_, ok := fields[key]
		assert.True(t, ok, "missing %s", key)
	}
}

func TestSecretNeverSerialised(t *testing.T) {
	f := newFixture(t)
	acct := f.create(t, "n@clinic.test", auth.RoleNurse)
	got, err := f.svc.GetByID(context.Background(), acct.ID)
	require.NoError(t, err)
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "argon2")
	assert.NotContains(t, string(raw), "s3cret-pass")
}

func TestLastAdministratorInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deactivate(ctx, f.admin.ID, f.admin.ID)
	assert.ErrorIs(t, err, auth.ErrInvariant)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.admin.ID, f.admin.ID), auth.ErrInvariant)

	second := f.create(t, "second@clinic.test", auth.RoleAdministrator)

	// With a second administrator the invariant holds, but nobody removes themselves.
	_, err = f.svc.Deactivate(ctx, f.admin.ID, f.admin.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.Deactivate(ctx, second.ID, f.admin.ID)
	require.NoError(t, err)

	// second is now the sole active administrator.
	_, err = f.svc.Deactivate(ctx, second.ID, second.ID)
	assert.ErrorIs(t, err, auth.ErrInvariant)

	_, err = f.svc.Activate(ctx, second.ID, f.admin.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, second.ID, f.admin.ID))

	_, err = f.svc.GetByID(ctx, f.admin.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestDeactivatedAdministratorCannotAct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := f.create(t, "second@clinic.test", auth.RoleAdministrator)
	_, err := f.svc.Deactivate(ctx, f.admin.ID, second.ID)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, second.ID, NewAccount{
		Email: "x@clinic.test", DisplayName: "X", Role: auth.RoleNurse, Secret: "s3cret-pass",
	})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestDemotingInactiveAdministratorIsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := f.create(t, "second@clinic.test", auth.RoleAdministrator)
	_, err := f.svc.Deactivate(ctx, f.admin.ID, second.ID)
	require.NoError(t, err)

	// second is inactive, so f.admin stays the only active administrator.
	role := auth.RoleDoctor
	_, err = f.svc.Update(ctx, f.admin.ID, second.ID, AccountPatch{Role: &role})
	require.NoError(t, err)

	recs, _, err := f.svc.load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, activeAdministrators(recs, ""))
}

func TestUpdateSelfService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.create(t, "nurse@clinic.test", auth.RoleNurse)
	other := f.create(t, "other@clinic.test", auth.RoleNurse)

	email := "Nurse.New@clinic.test"
	got, err := f.svc.Update(ctx, nurse.ID, nurse.ID, AccountPatch{
		Email:    &email,
		Profile:  map[string]any{"phone": "555-0100"},
		Settings: map[string]any{"theme": "dark"},
	})
	require.NoError(t, err)
	assert.Equal(t, "nurse.new@clinic.test", got.Email)
	assert.Equal(t, "555-0100", got.Profile["phone"])

	got, err = f.svc.Update(ctx, nurse.ID, nurse.ID, AccountPatch{Profile: map[string]any{"phone": nil}})
	require.NoError(t, err)
	assert.NotContains(t, got.Profile, "phone")
	assert.Equal(t, "dark", got.Settings["theme"])

	role := auth.RoleDoctor
	_, err = f.svc.Update(ctx, nurse.ID, nurse.ID, AccountPatch{Role: &role})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	name := "Hijack"
	_, err = f.svc.Update(ctx, nurse.ID, other.ID, AccountPatch{DisplayName: &name})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	taken := "other@clinic.test"
	_, err = f.svc.Update(ctx, nurse.ID, nurse.ID, AccountPatch{Email: &taken})
	assert.ErrorIs(t, err, auth.ErrConflict)

	got, err = f.svc.Update(ctx, f.admin.ID, nurse.ID, AccountPatch{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDoctor, got.Role)

	adminRole := auth.RoleNurse
	_, err = f.svc.Update(ctx, f.admin.ID, f.admin.ID, AccountPatch{Role: &adminRole})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestAuthenticateAuditsEveryAttemptOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.create(t, "nurse@clinic.test", auth.RoleNurse)

	attempts := []struct {
		name    string
		email   string
		secret  string
		wantErr bool
		actorID *string
	}{
		{"unknown email", "ghost@clinic.test", "whatever", true, nil},
		{"wrong secret", "nurse@clinic.test", "wrong-secret", true, &nurse.ID},
		{"success mixed case", "NURSE@clinic.test", "s3cret-pass", false, &nurse.ID},
	}
	for _, tc := range attempts {
		t.Run(tc.name, func(t *testing.T) {
			before := f.rec.len()
			sess, err := f.svc.Authenticate(ctx, tc.email, tc.secret)
			require.Equal(t, before+1, f.rec.len())
			e := f.rec.last()
			assert.Equal(t, audit.ActionLogin, e.Action)
			if tc.wantErr {
				assert.ErrorIs(t, err, auth.ErrUnauthorized)
				assert.False(t, e.IsSuccess)
			} else {
				require.NoError(t, err)
				assert.True(t, e.IsSuccess)
				assert.Equal(t, nurse.ID, sess.Account.ID)
				assert.Equal(t, auth.PermissionsFor(auth.RoleNurse), sess.Account.Permissions)
				assert.True(t, f.clock.Now().Add(auth.DefaultSessionTTL).Equal(sess.ExpiresAt))
			}
			if tc.actorID == nil {
				assert.Nil(t, e.ActorAccountID)
				assert.Equal(t, tc.email, e.ActorName)
			} else {
				require.NotNil(t, e.ActorAccountID)
				assert.Equal(t, *tc.actorID, *e.ActorAccountID)
			}
		})
	}

	got, err := f.svc.GetByID(ctx, nurse.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
}

func TestAuthenticateRejectsInactiveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.create(t, "nurse@clinic.test", auth.RoleNurse)
	_, err := f.svc.Deactivate(ctx, f.admin.ID, nurse.ID)
	require.NoError(t, err)

	before := f.rec.len()
	_, err = f.svc.Authenticate(ctx, "nurse@clinic.test", "s3cret-pass")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, before+1, f.rec.len())
}

func TestSessionExpiresPassively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Authenticate(ctx, "admin@clinic.test", "correct horse")
	require.NoError(t, err)

	got, err := f.svc.VerifySession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, got.Account.ID)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.VerifySession(ctx, sess.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	f.svc.Logout(ctx, sess)
	assert.Equal(t, audit.ActionLogout, f.rec.last().Action)
}

func TestChangeCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nurse := f.create(t, "nurse@clinic.test", auth.RoleNurse)

	assert.ErrorIs(t, f.svc.ChangeCredential(ctx, nurse.ID, "wrong", "brand-new-pass"), auth.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.ChangeCredential(ctx, nurse.ID, "s3cret-pass", "short"), auth.ErrValidation)
	require.NoError(t, f.svc.ChangeCredential(ctx, nurse.ID, "s3cret-pass", "brand-new-pass"))

	_, err := f.svc.Authenticate(ctx, "nurse@clinic.test", "s3cret-pass")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.svc.Authenticate(ctx, "nurse@clinic.test", "brand-new-pass")
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "bob@clinic.test", auth.RoleNurse)
	f.create(t, "carol@clinic.test", auth.RoleDoctor)
	dave := f.create(t, "dave@clinic.test", auth.RoleNurse)
	_, err := f.svc.Deactivate(ctx, f.admin.ID, dave.ID)
	require.NoError(t, err)

	active := true
	page, err := f.svc.List(ctx, ListQuery{Role: auth.RoleNurse, Active: &active})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "bob@clinic.test", page.Accounts[0].Email)

	page, err = f.svc.List(ctx, ListQuery{Search: "CAROL"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = f.svc.List(ctx, ListQuery{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Accounts, 1)
}

func TestWithAuditLog(t *testing.T) {
	mem := store.NewMemory()
	repo := NewRepository(mem)
	log, err := audit.New(mem, repo)
	require.NoError(t, err)
	defer log.Close(context.Background())

	issuer, err := auth.NewSessionIssuer("test-secret-0123456789")
	require.NoError(t, err)
	svc, err := NewService(repo, log, issuer)
	require.NoError(t, err)

	ctx := context.Background()
	admin, _, err := svc.EnsureAdministrator(ctx, NewAccount{Email: "root@clinic.test", DisplayName: "Root", Secret: "correct horse"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Authenticate(ctx, "root@clinic.test", "bad-secret")
	}
	require.NoError(t, log.Flush(ctx))

	failed := false
	page, err := log.Query(ctx, admin.ID, audit.Filter{Action: audit.ActionLogin, Success: &failed}, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}
