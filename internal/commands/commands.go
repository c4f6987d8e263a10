// Package commands implements the timer command set on top of the router.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"timerbot/internal/router"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/pkg/logx"
)

const (
	defaultHistory = 10
	maxHistory     = 25
)

// AuditReader is the read side of the audit log used by "history".
type AuditReader interface {
	RecentAudit(ctx context.Context, guildID string, limit int) ([]storage.AuditEntry, error)
}

type Module struct {
	reg    *timer.Registry
	audit  AuditReader
	format timer.Formatter
	log    logx.Logger
	loc    *time.Location
}

// New builds the command module. audit may be nil, which disables history.
func New(reg *timer.Registry, audit AuditReader, log logx.Logger) *Module {
	return &Module{
		reg:    reg,
		audit:  audit,
		format: timer.TextFormatter{},
		log:    log,
		loc:    time.UTC,
	}
}

// SetLocation sets the zone used to render timestamps.
func (m *Module) SetLocation(loc *time.Location) {
	if loc != nil {
		m.loc = loc
	}
}

func (m *Module) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Aliases:     []string{"s", "new"},
			Description: "start a timer in this channel (replaces the current one)",
			Usage:       "start [duration] [label...]",
			Options:     []string{"duration", "label"},
			Handle:      m.start,
		},
		{
			Route:       "stop",
			Aliases:     []string{"cancel"},
			Description: "stop the timer in this channel",
			Usage:       "stop",
			Handle:      m.stop,
		},
		{
			Route:       "pause",
			Aliases:     []string{"p", "toggle"},
			Description: "pause the timer, or resume it if paused",
			Usage:       "pause",
			Handle:      m.pause,
		},
		{
			Route:       "resume",
			Aliases:     []string{"r", "continue"},
			Description: "resume a paused timer",
			Usage:       "resume",
			Handle:      m.resume,
		},
		{
			Route:       "default",
			Description: "show or set this server's default duration",
			Usage:       "default [duration]",
			Options:     []string{"duration"},
			Handle:      m.setDefault,
		},
		{
			Route:       "status",
			Aliases:     []string{"st"},
			Description: "show the timer in this channel",
			Usage:       "status",
			Handle:      m.status,
		},
		{
			Route:       "list",
			Aliases:     []string{"ls"},
			Description: "list running timers in this server",
			Usage:       "list",
			Handle:      m.list,
		},
		{
			Route:       "history",
			Aliases:     []string{"log"},
			Description: "show recent timer activity in this server",
			Usage:       "history [count]",
			Options:     []string{"count"},
			Handle:      m.history,
		},
	}
}

func (m *Module) start(ctx context.Context, req *router.Request) error {
	args := req.Args
	var (
		res timer.StartResult
		err error
	)
	if len(args) > 0 && startsWithDigit(args[0]) {
		d, perr := timer.ParseDuration(args[0])
		if perr != nil {
			return userError(perr, m.reg.Limits())
		}
		res, err = m.reg.Start(req.ChannelID, req.GuildID, d, label(args[1:]))
	} else {
		res, err = m.reg.StartDefault(req.ChannelID, req.GuildID, label(args))
	}
	if err != nil {
		return userError(err, m.reg.Limits())
	}

	s := res.Timer
	name := "Timer"
	if s.Label != "" {
		name += " **" + s.Label + "**"
	}
	text := fmt.Sprintf("▶️ %s started for %s, ends %s.", name, timer.FormatDuration(s.Duration), m.stamp(s.EndsAt))
	if res.Outcome == timer.Replaced && res.Previous != nil {
		text = fmt.Sprintf("🔁 Replaced %s (%s left).\n", labelOr(*res.Previous, "the previous timer"),
			timer.FormatClock(res.Previous.Remaining)) + text
	}
	return req.Reply(ctx, text)
}

func (m *Module) stop(ctx context.Context, req *router.Request) error {
	s, err := m.reg.Stop(req.ChannelID)
	if err != nil {
		return userError(err, m.reg.Limits())
	}
	return req.Reply(ctx, fmt.Sprintf("⏹️ Stopped %s with %s left.", labelOr(s, "the timer"), timer.FormatClock(s.Remaining)))
}

func (m *Module) pause(ctx context.Context, req *router.Request) error {
	s, err := m.reg.Toggle(req.ChannelID)
	if err != nil {
		return userError(err, m.reg.Limits())
	}
	return req.Reply(ctx, m.stateLine(s))
}

func (m *Module) resume(ctx context.Context, req *router.Request) error {
	s, err := m.reg.Resume(req.ChannelID)
	if err != nil {
		return userError(err, m.reg.Limits())
	}
	return req.Reply(ctx, m.stateLine(s))
}

func (m *Module) stateLine(s timer.Snapshot) string {
	if s.State == timer.Paused {
		return fmt.Sprintf("⏸️ Paused %s with %s left.", labelOr(s, "the timer"), timer.FormatClock(s.Remaining))
	}
	return fmt.Sprintf("▶️ Resumed %s, %s left, ends %s.", labelOr(s, "the timer"), timer.FormatClock(s.Remaining), m.stamp(s.EndsAt))
}

func (m *Module) setDefault(ctx context.Context, req *router.Request) error {
	limits := m.reg.Limits()
	if len(req.Args) == 0 {
		d := m.reg.Defaults().Get(req.GuildID)
		return req.Reply(ctx, fmt.Sprintf("Default duration for this server is %s (allowed %s to %s).",
			timer.FormatDuration(d), timer.FormatDuration(limits.MinDuration), timer.FormatDuration(limits.MaxDuration)))
	}
	if !req.Admin {
		return router.Userf(nil, "only bot admins can change the default duration")
	}
	d, err := timer.ParseDuration(req.Args[0])
	if err != nil {
		return userError(err, limits)
	}
	if err := m.reg.SetDefault(ctx, req.GuildID, d); err != nil {
		if uerr := userError(err, limits); router.IsUserError(uerr) {
			return uerr
		}
		// stored in memory; only the backend write failed
		req.Logger.Warn("default duration not persisted", logx.Err(err))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Default duration for this server is now %s.", timer.FormatDuration(d)))
}

func (m *Module) status(ctx context.Context, req *router.Request) error {
	s, err := m.reg.Status(req.ChannelID)
	if err != nil {
		return userError(err, m.reg.Limits())
	}
	text := m.format.Status(s)
	if s.State == timer.Running {
		text += ", ends " + m.stamp(s.EndsAt)
		// Also bring the live message up to date, subject to the throttle.
		_, _ = m.reg.Refresh(ctx, req.ChannelID)
	}
	return req.Reply(ctx, text)
}

func (m *Module) list(ctx context.Context, req *router.Request) error {
	snaps := m.reg.List(req.GuildID)
	limits := m.reg.Limits()
	if len(snaps) == 0 {
		return req.Reply(ctx, "No timers running in this server.")
	}
	lines := []string{fmt.Sprintf("📋 **Timers** (%d/%d)", len(snaps), limits.MaxPerTenant)}
	for _, s := range snaps {
		line := fmt.Sprintf("• <#%s> %s left of %s", s.Channel, timer.FormatClock(s.Remaining), timer.FormatDuration(s.Duration))
		if s.Label != "" {
			line += " - " + s.Label
		}
		if s.State == timer.Paused {
			line += " (paused)"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (m *Module) history(ctx context.Context, req *router.Request) error {
	if m.audit == nil {
		return router.Userf(nil, "history is not enabled on this bot")
	}
	n := defaultHistory
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return router.Userf(err, "count must be a positive number (max %d)", maxHistory)
		}
		n = min(v, maxHistory)
	}
	entries, err := m.audit.RecentAudit(ctx, req.GuildID, n)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No timer activity recorded for this server yet.")
	}
	lines := []string{"🗒️ **Recent activity**"}
	for _, e := range entries {
		line := fmt.Sprintf("• `%s` %s <#%s>", e.At.In(m.loc).Format("01-02 15:04"), strings.TrimPrefix(e.Event, "timer."), e.ChannelID)
		if e.Label != "" {
			line += " " + e.Label
		}
		if e.DurationMS > 0 {
			line += " (" + timer.FormatDuration(time.Duration(e.DurationMS)*time.Millisecond) + ")"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (m *Module) stamp(t time.Time) string {
	if t.IsZero() {
		return "when resumed"
	}
	return "at " + t.In(m.loc).Format("15:04:05")
}

func label(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func startsWithDigit(s string) bool {
	for _, r := range s {
		return unicode.IsDigit(r)
	}
	return false
}
