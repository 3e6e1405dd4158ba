package app

import (
	"context"
	"slices"
	"strings"

	"flowpulse/internal/config"
	logx "flowpulse/pkg/logx"
)

// restartOnly lists sections that are read once at startup.
var restartOnly = []string{"api", "scheduler", "storage"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest pending config
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.Summarize(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if slices.Contains(sections, "dispatcher") {
		dc, err := mapDispatchConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
	}

	a.log.Info("config reloaded", fields...)
}
