package profileswitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
)

// credentialError wraps a 401/403 from the switch endpoint.
type credentialError struct {
	err *api.Error
}

func (e *credentialError) Error() string { return fmt.Sprintf("%v: %v", errs.ErrCredentialRejected, e.err) }

func (e *credentialError) Unwrap() []error { return []error{errs.ErrCredentialRejected, e.err} }

// fail classifies err. Biometric and credential rejections happen before any
// mutation and leave state as is; everything else is rolled back.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) (Result, error) {
	o.setState(Failed)

	var ce *credentialError
	switch {
	case errors.As(err, &ce):
		o.setSnapshot(nil)
		o.log.Info("profile switch credential rejected", zap.Int("status", ce.err.Status))
		return o.credentialResult(ce.err), err
	case errors.Is(err, errs.ErrBiometricRejected):
		o.setSnapshot(nil)
		o.log.Info("profile switch biometric rejected", zap.Error(err))
		return Result{State: Failed, Message: MsgBiometric}, err
	}

	o.log.Warn("profile switch failed, rolling back", zap.String("target", r.req.TargetProfileID), zap.Error(err))
	if rerr := o.rollback(context.WithoutCancel(ctx), r); rerr != nil {
		o.log.Error("profile switch rollback failed", zap.Error(rerr))
		o.setSnapshot(nil)
		return Result{State: Failed, Message: MsgRollbackFailed}, errors.Join(err, fmt.Errorf("%w: %v", errs.ErrRollbackFailed, rerr))
	}
	o.setSnapshot(nil)
	o.setState(RolledBack)
	return Result{State: RolledBack, Message: MsgRolledBack, RolledBack: true}, err
}

func (o *Orchestrator) credentialResult(e *api.Error) Result {
	res := Result{State: Failed}
	d := e.First()
	res.AttemptsRemaining = d.AttemptsRemaining
	res.LockedUntil = d.LockedUntil
	switch {
	case d.LockedUntil != nil && d.LockedUntil.After(o.opts.Now()):
		res.Message = "Too many attempts. Try again in " + FormatCountdown(d.LockedUntil.Sub(o.opts.Now())) + "."
	case d.AttemptsRemaining != nil:
		res.Message = fmt.Sprintf("%s %s remaining.", msgWrongPIN, attempts(*d.AttemptsRemaining))
	case d.Message != "":
		res.Message = d.Message
	case e.Status == http.StatusForbidden:
		res.Message = msgDenied
	default:
		res.Message = msgWrongPIN
	}
	return res
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

// rollback restores tokens, session and identity from the snapshot and the
// client headers captured alongside it.
func (o *Orchestrator) rollback(ctx context.Context, r *run) error {
	snap := r.snap
	if snap == nil {
		return errors.New("no snapshot")
	}
	var errList []error
	if err := o.d.Tokens.Restore(ctx, model.Tokens{AccessToken: snap.AccessToken, RefreshToken: snap.RefreshToken}); err != nil {
		errList = append(errList, fmt.Errorf("restore tokens: %w", err))
	}
	api.RestoreHeaders(o.d.API, r.headers)

	if err := o.d.Sessions.ReplaceSession(ctx, snap.Session.Clone()); err != nil {
		errList = append(errList, fmt.Errorf("restore session: %w", err))
	}

	id := authctx.FromSession(snap.Session)
	if snap.Session == nil {
		id = authctx.Identity{ProfileID: snap.ProfileID, EntityID: snap.EntityID}
	}
	o.d.Auth.SetIdentity(id)

	// Anything cached under the target during the attempt belongs to a profile
	// the user never reached.
	if o.d.Cache != nil && r.newMeta.ProfileID != "" {
		if _, err := o.d.Cache.Invalidate(ctx, cache.ProfileScoped(r.newMeta.ProfileID, r.newMeta.EntityID)); err != nil {
			o.log.Warn("invalidate target profile cache failed", zap.Error(err))
		}
	}
	return errors.Join(errList...)
}
