package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore.org/internal/config"
	"clinicore.org/internal/directory"
	"clinicore.org/internal/obs"
)

func TestRolesCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"roles"})
	require.NoError(t, rootCmd.Execute())

	text := out.String()
	for _, role := range []string{"admin", "doctor", "nurse", "receptionist"} {
		assert.Contains(t, text, role)
	}
	assert.Contains(t, text, "patients.update.vitals")
}

func TestBuildEngineOnMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Auth.SessionSecret = "engine-test-secret-0123"

	st, err := openStore(ctx, cfg.Store, obs.Discard())
	require.NoError(t, err)
	defer st.close()
	assert.Nil(t, st.db)

	eng, err := buildEngine(cfg, st, obs.Discard())
	require.NoError(t, err)
	defer eng.trail.Close(ctx)

	admin, created, err := eng.dir.EnsureAdministrator(ctx, directory.NewAccount{
		Email: "root@clinic.test", DisplayName: "Root", Secret: "root-secret",
	})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = eng.dir.EnsureAdministrator(ctx, directory.NewAccount{
		Email: "other@clinic.test", DisplayName: "Other", Secret: "other-secret",
	})
	require.NoError(t, err)
	assert.False(t, created, "second bootstrap must be a no-op")

	sess, err := eng.dir.Authenticate(ctx, "root@clinic.test", "root-secret")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, sess.Account.ID)
	assert.True(t, strings.Count(sess.Token, ".") == 2, "expected a JWT")
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Driver: "etcd"}, obs.Discard())
	require.Error(t, err)
}
