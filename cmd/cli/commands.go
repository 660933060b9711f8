package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/authstate"
	"github.com/and161185/goph-identity/internal/profileswitch"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdLogin(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("login")
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *u == "" || *p == "" {
		return errors.New("need -u and -p")
	}

	s, err := a.sessions.Login(ctx, *u, *p)
	if err != nil {
		return err
	}
	if err := a.machine.Send(ctx, authstate.LoginSuccess); err != nil {
		a.log.Debug("login transition rejected", zap.Error(err))
	}
	a.ident.SetIdentity(authctx.FromSession(s))
	if err := a.saveActive(ctx); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	fmt.Fprintf(out, "signed in as %s (profile %s)\n", s.DisplayName(), s.ProfileID)
	return nil
}

func cmdWhoami(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	id := a.ident.Identity()
	printJSON(out, map[string]any{
		"user_id":      id.UserID,
		"profile_id":   id.ProfileID,
		"entity_id":    id.EntityID,
		"profile_type": id.ProfileType,
		"display_name": id.DisplayName,
		"auth_state":   a.machine.State(),
	})
	return nil
}

func cmdProfiles(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "switch" {
		return errUsage
	}
	fs := newFlagSet("profiles switch")
	to := fs.String("to", "", "target profile id")
	pin := fs.String("pin", "", "profile PIN")
	bio := fs.Bool("biometric", false, "confirm with biometrics instead of a PIN")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *to == "" {
		return errors.New("need -to")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}

	res, err := a.profiles.SwitchProfile(ctx, profileswitch.Request{
		TargetProfileID:  *to,
		PIN:              *pin,
		RequireBiometric: *bio,
	})
	if err != nil {
		if res.Message == "" {
			return err
		}
		return fmt.Errorf("%s (%w)", res.Message, err)
	}
	cur := a.sessions.Current()
	fmt.Fprintf(out, "switched to %s (profile %s)\n", cur.DisplayName(), res.NewProfileID)
	return nil
}

func cmdAccounts(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	active, err := a.accounts.ActiveAccountID(ctx)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		list, err := a.accounts.ListAccounts(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\tUSER\tPROFILE\tTYPE\tNAME\tADDED")
		for _, acc := range list {
			mark := ""
			if acc.UserID == active {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, acc.UserID, acc.ProfileID, acc.ProfileType,
				acc.DisplayName, acc.AddedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()

	case "switch", "remove":
		fs := newFlagSet("accounts " + args[0])
		id := fs.String("id", "", "user id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" {
			return errors.New("need -id")
		}
		if args[0] == "remove" {
			if err := a.accounts.RemoveAccount(ctx, *id, active); err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %s\n", *id)
			return nil
		}
		acc, err := a.accounts.SwitchAccount(ctx, *id, active)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "active account is now %s (profile %s)\n", acc.DisplayName, acc.ProfileID)
		return nil
	}
	return errUsage
}

func cmdTokens(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "status" {
		return errUsage
	}
	fs := newFlagSet("tokens status")
	refresh := fs.Bool("refresh", false, "exchange the refresh token first")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *refresh && a.sessions.RefreshAccessToken(ctx) == "" {
		return errors.New("token refresh failed")
	}

	t, err := a.tokens.Tokens(ctx)
	if err != nil {
		return err
	}
	status := map[string]any{
		"access_token":  t.AccessToken != "",
		"refresh_token": t.RefreshToken != "",
	}
	if md, ok := a.tokens.Metadata(); ok {
		status["user_id"] = md.UserID
		status["profile_id"] = md.ProfileID
		status["expires_at"] = md.ExpiresAt.UTC().Format(time.RFC3339)
		status["expires_in"] = profileswitch.FormatCountdown(md.TimeToExpiry(time.Now()))
		status["should_refresh"] = a.tokens.ShouldRefreshToken()
	}
	printJSON(out, status)
	return nil
}

func cmdLogout(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if err := a.machine.Send(ctx, authstate.Logout); err != nil {
		a.log.Debug("logout transition rejected", zap.Error(err))
	}
	if err := a.logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "signed out")
	return nil
}
