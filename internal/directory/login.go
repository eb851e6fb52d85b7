package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/obs"
)

var errBadCredentials = fmt.Errorf("%w: invalid email or secret", auth.ErrUnauthorized)

// Authenticate signs an account in by email and secret. Every call leaves
// exactly one audit entry, whatever the outcome.
func (s *Service) Authenticate(ctx context.Context, email, secret string) (auth.Session, error) {
	email = strings.TrimSpace(email)
	recs, _, err := s.load(ctx)
	if err != nil {
		s.recorder.Record(ctx, audit.Anonymous(email, audit.ActionLogin, audit.ResourceSession).Outcome(err))
		obs.ObserveLogin("error")
		return auth.Session{}, err
	}
	i := indexByEmail(recs, email)
	if i < 0 {
		s.recorder.Record(ctx, audit.Anonymous(email, audit.ActionLogin, audit.ResourceSession).
			Detail("unknown account").Outcome(errBadCredentials))
		obs.ObserveLogin("unknown")
		return auth.Session{}, errBadCredentials
	}
	rec := recs[i]
	entry := audit.ByActor(rec.Actor(), audit.ActionLogin, audit.ResourceSession, rec.ID).Named(rec.DisplayName)

	ok, err := auth.VerifySecret(rec.SecretHash, secret)
	if err != nil {
		s.logger.Error("stored credential unreadable", slog.String("account_id", rec.ID), slog.String("error", err.Error()))
		ok = false
	}
	if !ok {
		s.recorder.Record(ctx, entry.Detail("credential mismatch").Outcome(errBadCredentials))
		obs.ObserveLogin("mismatch")
		return auth.Session{}, errBadCredentials
	}
	if !rec.IsActive {
		err := fmt.Errorf("%w: account is inactive", auth.ErrUnauthorized)
		s.recorder.Record(ctx, entry.Detail("account inactive").Outcome(err))
		obs.ObserveLogin("inactive")
		return auth.Session{}, err
	}

	acct := s.touchLastLogin(ctx, rec.Account)
	sess, err := s.issuer.Issue(auth.AccountSnapshot{
		ID:          acct.ID,
		Name:        acct.DisplayName,
		Email:       acct.Email,
		Role:        acct.Role,
		Profile:     acct.Profile,
		Permissions: auth.PermissionsFor(acct.Role),
	})
	if err != nil {
		s.recorder.Record(ctx, entry.Outcome(err))
		obs.ObserveLogin("error")
		return auth.Session{}, err
	}
	s.recorder.Record(ctx, entry.Outcome(nil))
	obs.ObserveLogin("success")
	return sess, nil
}

// touchLastLogin stamps LastLoginAt. Failing to persist it does not fail the
// sign-in.
func (s *Service) touchLastLogin(ctx context.Context, acct Account) Account {
	now := s.clock.Now()
	acct.LastLoginAt = &now

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, version, err := s.load(ctx)
	if err == nil {
		if i := indexByID(recs, acct.ID); i >= 0 {
			recs[i].LastLoginAt = &now
			err = s.save(ctx, recs, version)
		}
	}
	if err != nil {
		s.logger.Warn("last login not recorded", slog.String("account_id", acct.ID), slog.String("error", err.Error()))
	}
	return acct
}

// Logout records the end of a session. Tokens are not revoked server-side;
// they stay valid until they expire.
func (s *Service) Logout(ctx context.Context, sess auth.Session) {
	s.recorder.Record(ctx, audit.ByActor(sess.Account.Actor(), audit.ActionLogout, audit.ResourceSession, sess.Account.ID).
		Named(sess.Account.Name))
}

// VerifySession returns the session carried by token. Expired or forged
// tokens are reported as ErrUnauthorized.
func (s *Service) VerifySession(_ context.Context, token string) (auth.Session, error) {
	return s.issuer.Verify(token)
}

// ChangeCredential replaces the secret of actorID after checking the current one.
func (s *Service) ChangeCredential(ctx context.Context, actorID, current, next string) error {
	actor, err := s.ResolveActor(ctx, actorID)
	if err != nil && errors.Is(err, auth.ErrNotFound) {
		err = fmt.Errorf("%w: unknown account", auth.ErrUnauthorized)
		actor = auth.Actor{ID: actorID}
	}
	entry := audit.ByActor(actor, audit.ActionChangeCredential, audit.ResourceAccount, actorID).Named(actor.Name)
	if err == nil {
		err = s.changeCredential(ctx, actorID, current, next)
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	return err
}

func (s *Service) changeCredential(ctx context.Context, actorID, current, next string) error {
	if err := s.validateSecret(next); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrValidation, err)
	}
	hash, err := auth.HashSecret(next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, version, err := s.load(ctx)
	if err != nil {
		return err
	}
	i := indexByID(recs, actorID)
	if i < 0 {
		return fmt.Errorf("%w: unknown account", auth.ErrUnauthorized)
	}
	if !recs[i].IsActive {
		return fmt.Errorf("%w: account is inactive", auth.ErrUnauthorized)
	}
	ok, err := auth.VerifySecret(recs[i].SecretHash, current)
	if err != nil || !ok {
		return fmt.Errorf("%w: current secret does not match", auth.ErrUnauthorized)
	}
	recs[i].SecretHash = hash
	recs[i].UpdatedAt = s.clock.Now()
	return s.save(ctx, recs, version)
}
