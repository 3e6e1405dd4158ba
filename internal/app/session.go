package app

import (
	"context"
	"strings"
	"time"

	"flowpulse/internal/api"
	"flowpulse/internal/schedule"
	logx "flowpulse/pkg/logx"
)

// SignIn installs the session token and builds the session registry. The
// registry reconciles against the store once; signing in again while signed
// in only swaps the token.
func (a *App) SignIn(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)

	a.mu.Lock()
	a.token = token
	reg := a.reg
	if reg == nil {
		var st schedule.Store
		if a.store != nil {
			st = a.store
		}
		reg = schedule.New(a.disp, st, a.root.With(logx.Component("scheduler")), a.bus)
		a.reg = reg
	}
	a.mu.Unlock()

	a.log.Info("signed in", logx.Bool("token_set", token != ""))
	return reg.InitializeAll(ctx)
}

// SignOut disposes the session registry and drops the token. In-flight
// dispatches are waited for, bounded by ctx.
func (a *App) SignOut(ctx context.Context) error {
	a.mu.Lock()
	reg := a.reg
	a.reg = nil
	a.token = ""
	a.mu.Unlock()

	if reg == nil {
		return nil
	}
	a.log.Info("signed out")
	return reg.Close(ctx)
}

// Registry returns the session registry, nil while signed out.
func (a *App) Registry() api.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg == nil {
		return nil
	}
	return a.reg
}

// SignedIn reports whether a session registry exists.
func (a *App) SignedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg != nil
}

func (a *App) sessionToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *App) health() map[string]any {
	out := map[string]any{}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		out["tasks"] = snap.Tasks
		if snap.FirstError != "" {
			out["first_error"] = snap.FirstError
		}
	}
	if reg := a.Registry(); reg != nil {
		out["schedules"] = len(reg.Snapshot().Schedules)
	}
	out["uptime"] = time.Since(a.started).Round(time.Second).String()
	return out
}
