package profileswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/events"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/realtime"
	"github.com/and161185/goph-identity/internal/session"
	"github.com/and161185/goph-identity/internal/token"
)

// User-facing messages.
const (
	MsgBusy           = "A profile switch is already in progress."
	MsgBiometric      = "Biometric verification failed."
	MsgRolledBack     = "Switch failed. You remain on your current profile."
	MsgRollbackFailed = "Switch failed and your previous profile could not be restored. Please restart the app."
	msgWrongPIN       = "Incorrect PIN."
	msgDenied         = "Access to this profile was denied."
)

const biometricPrompt = "Confirm profile switch"

type switchRequest struct {
	TargetProfileID   string `json:"targetProfileId"`
	PIN               string `json:"pin,omitempty"`
	BiometricVerified bool   `json:"biometricVerified,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// credentialMeta is the per-profile display metadata stored after a switch.
type credentialMeta struct {
	ProfileID         string            `json:"profile_id"`
	DisplayName       string            `json:"display_name,omitempty"`
	ProfileType       model.ProfileType `json:"profile_type,omitempty"`
	PINUsed           bool              `json:"pin_used"`
	BiometricVerified bool              `json:"biometric_verified"`
	LastUsedAt        time.Time         `json:"last_used_at"`
}

// Switched is the payload of EventProfileSwitched.
type Switched struct {
	FromProfileID string
	ToProfileID   string
	EntityID      string
}

// run carries per-switch state between steps.
type run struct {
	req          Request
	snap         *model.ProfileSnapshot
	headers      map[string]string
	staged       *authctx.Display
	biometric    bool
	stopPrefetch context.CancelFunc
	tokens       session.TokenResponse
	newMeta      model.TokenMetadata
	newSession   *model.Session
}

// SwitchProfile switches the active profile of the current account. A second
// call while one is running returns ErrConcurrentOperation without side effects.
func (o *Orchestrator) SwitchProfile(ctx context.Context, req Request) (Result, error) {
	if req.TargetProfileID == "" {
		return Result{State: o.State(), Message: "No profile selected."}, errors.New("profile switch: empty target profile")
	}
	if !o.locked.CompareAndSwap(false, true) {
		return Result{State: o.State(), Message: MsgBusy}, errs.ErrConcurrentOperation
	}
	defer o.locked.Store(false)

	o.d.Auth.SetSwitching(true)
	defer o.d.Auth.SetSwitching(false)
	defer o.d.Auth.ClearDisplay()

	r := &run{req: req}
	res, err := o.execute(ctx, r)
	if err == nil {
		return res, nil
	}
	if r.stopPrefetch != nil {
		r.stopPrefetch()
	}
	return o.fail(ctx, r, err)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (Result, error) {
	snap, err := o.capture(ctx)
	if err != nil {
		return Result{}, err
	}
	r.snap = snap
	r.headers = o.d.API.Headers()
	o.setSnapshot(snap)
	r.staged = o.stageDisplay(ctx, r.req)

	if r.req.RequireBiometric {
		o.setState(BiometricPending)
		if err := o.verifyBiometric(ctx, r); err != nil {
			return Result{}, err
		}
	}

	o.setState(APICallPending)
	if err := o.callSwitch(ctx, r); err != nil {
		return Result{}, err
	}

	// The backend has issued new credentials. The rest runs to completion.
	sctx := context.WithoutCancel(ctx)

	o.setState(TokenUpdatePending)
	if err := o.applyTokens(sctx, r); err != nil {
		return Result{}, err
	}
	o.publishStagedDisplay(r)

	o.setState(DataFetchPending)
	if err := o.loadSession(sctx, r); err != nil {
		return Result{}, err
	}
	o.d.Auth.SetIdentity(authctx.FromSession(r.newSession))

	o.setState(CacheClearPending)
	if err := o.invalidate(sctx, r); err != nil {
		return Result{}, err
	}

	o.persistMeta(sctx, r)

	o.setSnapshot(nil)
	o.setState(Success)
	o.log.Info("profile switched",
		zap.String("from", r.snap.ProfileID),
		zap.String("to", r.newSession.ProfileID),
	)
	o.notifySwitched(sctx, r)
	return Result{Success: true, NewProfileID: r.newSession.ProfileID, State: Success}, nil
}

// capture builds the snapshot from the token and session owners.
func (o *Orchestrator) capture(ctx context.Context) (*model.ProfileSnapshot, error) {
	t, err := o.d.Tokens.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	snap := &model.ProfileSnapshot{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Session:      o.d.Sessions.Current(),
		Timestamp:    o.opts.Now(),
	}
	if md, ok := o.d.Tokens.Metadata(); ok {
		snap.ProfileID, snap.EntityID = md.ProfileID, md.EntityID
	} else if snap.Session != nil {
		snap.ProfileID, snap.EntityID = snap.Session.ProfileID, snap.Session.EntityID
	}
	return snap, nil
}

// stageDisplay resolves optimistic display data. Nothing is shown yet.
func (o *Orchestrator) stageDisplay(ctx context.Context, req Request) *authctx.Display {
	if req.Display != nil {
		d := *req.Display
		d.ProfileID = req.TargetProfileID
		return &d
	}
	if o.d.Displays == nil {
		return nil
	}
	if d, ok := o.d.Displays.LookupDisplay(ctx, req.TargetProfileID); ok {
		return &d
	}
	return nil
}

func (o *Orchestrator) publishStagedDisplay(r *run) {
	if r.staged != nil {
		o.d.Auth.ShowDisplay(*r.staged)
	}
}

// verifyBiometric prompts while prefetching non-sensitive data for the target.
// Only the prompt is awaited. Missing hardware or enrollment passes without
// verification.
func (o *Orchestrator) verifyBiometric(ctx context.Context, r *run) error {
	r.stopPrefetch = o.startPrefetch(ctx, r.req.TargetProfileID)
	if !device.Available(o.d.Biometric) {
		o.log.Debug("biometric unavailable, continuing without verification")
		return nil
	}
	res, err := o.d.Biometric.Authenticate(ctx, biometricPrompt)
	switch {
	case errors.Is(err, errs.ErrBiometricUnavailable):
		o.log.Debug("biometric unavailable, continuing without verification")
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", errs.ErrBiometricRejected, err)
	case !res.Success:
		return fmt.Errorf("%w: %s", errs.ErrBiometricRejected, res.Reason)
	}
	r.biometric = true
	return nil
}

// startPrefetch runs Prefetch in the background. The returned func cancels it.
func (o *Orchestrator) startPrefetch(ctx context.Context, profileID string) context.CancelFunc {
	if o.d.Prefetch == nil {
		return func() {}
	}
	pctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	go func() {
		defer cancel()
		if err := o.d.Prefetch(pctx, profileID); err != nil {
			o.log.Debug("profile prefetch failed", zap.String("profile_id", profileID), zap.Error(err))
		}
	}()
	return cancel
}

func (o *Orchestrator) callSwitch(ctx context.Context, r *run) error {
	body := switchRequest{
		TargetProfileID:   r.req.TargetProfileID,
		PIN:               r.req.PIN,
		BiometricVerified: r.biometric,
		DeviceFingerprint: o.opts.DeviceFingerprint,
	}
	resp, err := o.d.API.Post(ctx, PathSwitchProfile, body, api.WithTimeout(o.opts.RequestTimeout), api.WithNoCache())
	if err != nil {
		var ae *api.Error
		if errors.As(err, &ae) && ae.IsCredential() {
			return &credentialError{err: ae}
		}
		return fmt.Errorf("%w: switch request: %v", errs.ErrNetworkOrSystem, err)
	}
	if err := resp.Decode(&r.tokens); err != nil {
		return fmt.Errorf("%w: switch response: %v", errs.ErrMalformedResponse, err)
	}
	if r.tokens.AccessToken == "" {
		return fmt.Errorf("%w: switch response without access token", errs.ErrMalformedResponse)
	}
	md, err := token.ParseAccessToken(r.tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("%w: switch response: %v", errs.ErrMalformedResponse, err)
	}
	if md.ProfileID != r.req.TargetProfileID {
		return fmt.Errorf("%w: token issued for profile %q", errs.ErrMalformedResponse, md.ProfileID)
	}
	r.newMeta = md
	return nil
}

// applyTokens swaps the pair and points the client headers at the new profile.
// SwapTokens restores its in-memory pair itself when persisting fails.
func (o *Orchestrator) applyTokens(ctx context.Context, r *run) error {
	if err := o.d.Tokens.SwapTokens(ctx, r.tokens.AccessToken, r.tokens.RefreshToken); err != nil {
		return fmt.Errorf("swap tokens: %w", err)
	}
	o.d.API.SetAccessToken(r.tokens.AccessToken)
	o.d.API.SetProfileID(r.newMeta.ProfileID)
	return nil
}

func (o *Orchestrator) loadSession(ctx context.Context, r *run) error {
	p, err := o.d.Sessions.FetchProfile(ctx)
	if err != nil {
		return err
	}
	if p.Profile() != r.req.TargetProfileID {
		return fmt.Errorf("%w: profile endpoint returned %q", errs.ErrMalformedResponse, p.Profile())
	}
	userID := r.newMeta.UserID
	if userID == "" && r.snap.Session != nil {
		userID = r.snap.Session.UserID
	}
	s := o.d.Sessions.BuildSession(*p, userID)
	if err := o.d.Sessions.ReplaceSession(ctx, s); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	r.newSession = s
	return nil
}

// invalidate drops the old profile's cached data and re-establishes the
// realtime channel concurrently. Surgical invalidation falls back to a full
// clear; only a failed full clear fails the switch.
func (o *Orchestrator) invalidate(ctx context.Context, r *run) error {
	var g errgroup.Group
	g.Go(func() error {
		if o.d.Cache == nil {
			return nil
		}
		pred := cache.Any(cache.ProfileScoped(r.snap.ProfileID, r.snap.EntityID), cache.VerificationTagged)
		n, err := o.d.Cache.Invalidate(ctx, pred)
		if err == nil {
			o.log.Debug("cache invalidated", zap.Int("keys", n))
			return nil
		}
		o.log.Warn("surgical cache invalidation failed, clearing all", zap.Error(err))
		if err := o.d.Cache.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o.reconnectRealtime(ctx)
		return nil
	})
	return g.Wait()
}

func (o *Orchestrator) reconnectRealtime(ctx context.Context) {
	ch := o.d.Realtime
	if ch == nil {
		return
	}
	if err := ch.Disconnect(); err != nil {
		o.log.Debug("realtime disconnect failed", zap.Error(err))
	}
	rc, ok := ch.(realtime.Reconnector)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()
	if err := rc.Reconnect(rctx); err != nil {
		o.log.Warn("realtime reconnect failed", zap.Error(err))
	}
}

// persistMeta writes device-local pointers. Failures are logged only.
func (o *Orchestrator) persistMeta(ctx context.Context, r *run) {
	if o.d.Storage == nil {
		return
	}
	id := r.newSession.ProfileID
	if err := o.d.Storage.SetString(ctx, KeyLastActiveProfile, id); err != nil {
		o.log.Warn("persist last active profile failed", zap.Error(err))
	}
	b, err := json.Marshal(credentialMeta{
		ProfileID:         id,
		DisplayName:       r.newSession.DisplayName(),
		ProfileType:       r.newSession.ProfileType,
		PINUsed:           r.req.PIN != "",
		BiometricVerified: r.biometric,
		LastUsedAt:        o.opts.Now(),
	})
	if err != nil {
		o.log.Warn("encode credential metadata failed", zap.Error(err))
		return
	}
	if err := o.d.Storage.SetString(ctx, CredentialMetaKey(id), string(b)); err != nil {
		o.log.Warn("persist credential metadata failed", zap.Error(err))
	}
}

func (o *Orchestrator) notifySwitched(ctx context.Context, r *run) {
	if o.d.Events == nil {
		return
	}
	data := Switched{FromProfileID: r.snap.ProfileID, ToProfileID: r.newSession.ProfileID, EntityID: r.newSession.EntityID}
	if _, err := o.d.Events.Emit(ctx, EventProfileSwitched, data, events.Options{Priority: events.High}); err != nil {
		o.log.Debug("profile switched event not delivered", zap.Error(err))
	}
}
