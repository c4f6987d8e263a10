// Package router turns transport updates into command invocations: prefix
// and alias matching, argument parsing, access and rate checks, and a
// bounded worker pool that runs handlers behind a middleware chain.
package router

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"timerbot/internal/runtime/supervisor"
	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

const (
	DefaultPrefix    = "!timer"
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 15 * time.Second
	DefaultPerMinute = 20
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin requires the user to be in the admin list. An empty list
	// admits everyone.
	AccessAdmin
)

type Command struct {
	// Route is a space-separated command path, e.g. "start" or "default set".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Options names interaction options in positional order, so that
	// "/timer start duration:5m label:tea" yields Args ["5m", "tea"].
	Options []string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update      transport.Update
	Interaction *transport.Interaction
	GuildID     string
	ChannelID   string
	UserID      string

	Path      []string
	Command   string
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string
	Admin     bool

	Adapter transport.Adapter
	Logger  logx.Logger
	// Prefix is the active text prefix, for rendering usage lines.
	Prefix string
}

// Reply answers the request in the channel it came from. Interactions are
// answered through the interaction response.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Interaction != nil {
		return r.Adapter.Respond(ctx, r.Interaction, text, false)
	}
	_, err := r.Adapter.SendText(ctx, r.ChannelID, text)
	return err
}

// ReplyPrivate is Reply with an ephemeral response where the platform
// supports it.
func (r *Request) ReplyPrivate(ctx context.Context, text string) error {
	if r.Interaction != nil {
		return r.Adapter.Respond(ctx, r.Interaction, text, true)
	}
	_, err := r.Adapter.SendText(ctx, r.ChannelID, text)
	return err
}

// Options is the hot-reloadable part of the router configuration. Workers
// and QueueSize only apply at construction.
type Options struct {
	Prefix        string
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerMinute int
	LimiterCache  int
	Admins        []string
	// SlashName is the application command name routed to this manager.
	SlashName string
}

func (o Options) normalize() Options {
	o.Prefix = strings.TrimSpace(o.Prefix)
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RatePerMinute == 0 {
		o.RatePerMinute = DefaultPerMinute
	}
	if o.SlashName == "" {
		o.SlashName = strings.TrimLeft(o.Prefix, "!/.$?")
	}
	o.Admins = slices.Clone(o.Admins)
	return o
}

type Manager struct {
	mu      sync.RWMutex
	root    *cmdNode
	alias   map[string]*cmdNode
	opts    Options
	limiter *userLimiter

	log     logx.Logger
	adapter transport.Adapter
	jobs    chan func(ctx context.Context)
	now     func() time.Time
	observe func(route string, err error)
	gone    func(g transport.Gone)
}

func New(opts Options, adapter transport.Adapter, log logx.Logger) *Manager {
	opts = opts.normalize()
	return &Manager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		opts:    opts,
		limiter: newUserLimiter(opts.RatePerMinute, opts.LimiterCache),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(ctx context.Context), opts.QueueSize),
		now:     time.Now,
	}
}

// SetObserver registers fn to be told about every handled request. Call
// before Run.
func (m *Manager) SetObserver(fn func(route string, err error)) {
	m.observe = fn
}

// OnGone registers fn to receive channel and guild removals. It runs on
// the dispatch goroutine and must not block. Call before Run.
func (m *Manager) OnGone(fn func(g transport.Gone)) {
	m.gone = fn
}

// Apply swaps the reloadable options.
func (m *Manager) Apply(opts Options) {
	m.mu.Lock()
	cur := m.opts
	opts.Workers, opts.QueueSize = cur.Workers, cur.QueueSize
	m.opts = opts.normalize()
	m.mu.Unlock()
	m.limiter.setRate(m.opts.RatePerMinute)
}

func (m *Manager) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// SetRegistry installs the command set. A help command is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h", "?"},
		Description: "show help",
		Usage:       "help [command]",
		Options:     []string{"command"},
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyPrivate(ctx, m.helpText(req.Prefix, req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		if len(route) > 1 {
			auto := strings.Join(route, "_")
			if _, exists := alias[auto]; !exists {
				alias[auto] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()
}

// Run dispatches updates until ctx is done or updates is closed. Handlers
// run on a fixed pool of supervised workers; a full queue answers "busy".
func (m *Manager) Run(ctx context.Context, updates <-chan transport.Update) error {
	opts := m.options()
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	for i := range opts.Workers {
		sup.Go0(fmt.Sprintf("command-worker-%d", i), func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.jobs:
					job(ctx)
				}
			}
		})
	}
	m.log.Info("command dispatcher started", logx.Int("workers", opts.Workers), logx.Int("queue", cap(m.jobs)))

	defer func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

// Route resolves one update and enqueues its handler. It never blocks on
// the handler itself.
func (m *Manager) Route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateChannelGone, transport.UpdateGuildGone:
		if up.Gone != nil && m.gone != nil {
			m.gone(*up.Gone)
		}
		return
	}
	req, cmd, ok := m.resolve(ctx, up)
	if !ok {
		return
	}
	m.enqueue(ctx, req, cmd)
}

func (m *Manager) resolve(ctx context.Context, up transport.Update) (*Request, Command, bool) {
	switch up.Kind {
	case transport.UpdateMessage:
		return m.resolveMessage(ctx, up)
	case transport.UpdateInteraction:
		return m.resolveInteraction(ctx, up)
	}
	return nil, Command{}, false
}

func (m *Manager) resolveMessage(ctx context.Context, up transport.Update) (*Request, Command, bool) {
	msg := up.Message
	if msg == nil || msg.FromBot {
		return nil, Command{}, false
	}
	opts := m.options()
	text := strings.TrimSpace(msg.Content)
	rest, ok := cutPrefix(text, opts.Prefix)
	if !ok {
		return nil, Command{}, false
	}
	parts := tokenize(rest)

	req := &Request{
		Update:    up,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		UserID:    msg.AuthorID,
		Adapter:   m.adapter,
		Prefix:    opts.Prefix,
	}
	if len(parts) == 0 {
		parts = []string{"help"}
	}

	m.mu.RLock()
	root, aliases := m.root, m.alias
	m.mu.RUnlock()

	word := strings.ToLower(parts[0])
	args := parts[1:]
	if leaf, ok := aliases[word]; ok && leaf.cmd != nil {
		return m.finish(req, *leaf.cmd, splitRoute(leaf.cmd.Route), args), *leaf.cmd, true
	}

	cur, ok := root.child(word)
	if !ok {
		_ = req.Reply(ctx, fmt.Sprintf("unknown command %q. try `%s help`", word, opts.Prefix))
		return nil, Command{}, false
	}
	path := []string{word}
	for len(args) > 0 {
		if strings.HasPrefix(args[0], "-") {
			break
		}
		next, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur = next
		path = append(path, next.name)
		args = args[1:]
	}
	if cur.cmd == nil {
		_ = req.ReplyPrivate(ctx, m.helpText(opts.Prefix, path))
		return nil, Command{}, false
	}
	return m.finish(req, *cur.cmd, path, args), *cur.cmd, true
}

func (m *Manager) resolveInteraction(ctx context.Context, up transport.Update) (*Request, Command, bool) {
	it := up.Interaction
	if it == nil {
		return nil, Command{}, false
	}
	opts := m.options()
	if !strings.EqualFold(it.Name, opts.SlashName) {
		return nil, Command{}, false
	}
	req := &Request{
		Update:      up,
		Interaction: it,
		GuildID:     it.GuildID,
		ChannelID:   it.ChannelID,
		UserID:      it.UserID,
		Adapter:     m.adapter,
		Prefix:      "/" + opts.SlashName,
	}

	sub := strings.ToLower(it.Sub)
	if sub == "" {
		sub = "help"
	}
	m.mu.RLock()
	node := m.root.find(splitRoute(sub))
	if node == nil {
		node = m.alias[sub]
	}
	m.mu.RUnlock()
	if node == nil || node.cmd == nil {
		_ = req.ReplyPrivate(ctx, fmt.Sprintf("unknown command %q", sub))
		return nil, Command{}, false
	}
	cmd := *node.cmd
	var args []string
	for _, name := range cmd.Options {
		if v := strings.TrimSpace(it.Options[name]); v != "" {
			args = append(args, v)
		}
	}
	return m.finish(req, cmd, splitRoute(cmd.Route), args), cmd, true
}

func (m *Manager) finish(req *Request, cmd Command, path, raw []string) *Request {
	pos, flags, bools := parseFlags(raw)
	req.Path = path
	req.Command = cmd.Route
	req.Args = pos
	req.RawArgs = raw
	req.Flags = flags
	req.BoolFlags = bools
	req.ReqID = newReqID()
	req.Admin = m.isAdmin(req.UserID)
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("guild", req.GuildID),
		logx.String("channel", req.ChannelID),
		logx.String("user", req.UserID),
		logx.String("cmd", cmd.Route),
	)
	return req
}

func (m *Manager) enqueue(ctx context.Context, req *Request, cmd Command) {
	if cmd.Access == AccessAdmin && !req.Admin {
		_ = req.ReplyPrivate(ctx, "⛔ this command is limited to bot admins")
		return
	}
	if !m.limiter.allow(req.UserID, m.now()) {
		req.Logger.Debug("request rate limited")
		_ = req.ReplyPrivate(ctx, "🐢 slow down, try again in a few seconds")
		return
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = m.options().Timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWObserve(m.observe),
		MWReplyError(),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func(wctx context.Context) { _ = final(wctx, req) }:
	default:
		_ = req.ReplyPrivate(ctx, "busy, try again")
	}
}

func (m *Manager) isAdmin(user string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.opts.Admins) == 0 {
		return true
	}
	return slices.Contains(m.opts.Admins, user)
}

// cutPrefix matches prefix case-insensitively as a whole word.
func cutPrefix(text, prefix string) (string, bool) {
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	rest := text[len(prefix):]
	if rest != "" && !strings.ContainsAny(rest[:1], " \t\n") {
		return "", false
	}
	return rest, true
}
