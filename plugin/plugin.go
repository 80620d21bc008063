// Package plugin dispatches prescription lifecycle hooks to plugins.
//
// A plugin implements Plugin and any of the optional hook interfaces; the
// Registry finds hooks by type assertion, so a plugin only pays for what it
// supports. Plugins are either linked into the binary and registered by the
// caller, or external processes described by a plugin.json manifest (see
// ExecPlugin).
package plugin

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/prescription"
)

// Hook names a lifecycle point.
type Hook string

const (
	HookNew     Hook = "new"
	HookOpen    Hook = "open"
	HookSave    Hook = "save"
	HookRefresh Hook = "refresh"
	HookRun     Hook = "run"
)

// Plugin is the only required interface.
type Plugin interface {
	Name() string
}

// NewHook is called after a new prescription is created.
type NewHook interface {
	OnNew(ctx context.Context, p *prescription.Prescription) (string, error)
}

// OpenHook is called after an archive is opened.
type OpenHook interface {
	OnOpen(ctx context.Context, p *prescription.Prescription) (string, error)
}

// SaveHook is called before content is written to an archive. It may
// modify p.
type SaveHook interface {
	OnSave(ctx context.Context, p *prescription.Prescription) (string, error)
}

// RefreshHook is called when the front end re-reads its form.
type RefreshHook interface {
	OnRefresh(ctx context.Context, p *prescription.Prescription) (string, error)
}

// Runner is a plugin the user invokes by name.
type Runner interface {
	OnRun(ctx context.Context, p *prescription.Prescription) (string, error)
}

// Backgrounder marks a Runner whose runs happen off the caller's goroutine.
type Backgrounder interface {
	Background() bool
}

// supporter lets a plugin that implements every hook method narrow the set
// it actually handles. ExecPlugin uses it to honor its manifest.
type supporter interface {
	Supports(h Hook) bool
}

// Message is one non-empty hook result.
type Message struct {
	Plugin string
	Text   string
}

// Completion is the single message sent when a background run ends.
type Completion struct {
	Plugin  string
	Message string
	Err     error
}

// Registry holds the plugins of one process. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	log     zerolog.Logger
	bus     *events.Bus
}

// NewRegistry returns an empty registry. Completions of background runs are
// also published on bus as PluginCompleted when bus is non-nil.
func NewRegistry(log zerolog.Logger, bus *events.Bus) *Registry {
	return &Registry{plugins: map[string]Plugin{}, log: log, bus: bus}
}

// Register adds p.
func (r *Registry) Register(p Plugin) error {
	if p == nil || p.Name() == "" {
		return errors.New("plugin: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return errors.Errorf("plugin: %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	r.log.Debug().Str("plugin", p.Name()).Msg("plugin registered")
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(p Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// List returns the registered plugins sorted by name.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the names of plugins supporting h, sorted. An empty h
// matches every plugin.
func (r *Registry) Names(h Hook) []string {
	var names []string
	for _, p := range r.List() {
		if h == "" || hookFunc(p, h) != nil {
			names = append(names, p.Name())
		}
	}
	return names
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

type hookFn func(context.Context, *prescription.Prescription) (string, error)

func hookFunc(p Plugin, h Hook) hookFn {
	if s, ok := p.(supporter); ok && !s.Supports(h) {
		return nil
	}
	switch h {
	case HookNew:
		if x, ok := p.(NewHook); ok {
			return x.OnNew
		}
	case HookOpen:
		if x, ok := p.(OpenHook); ok {
			return x.OnOpen
		}
	case HookSave:
		if x, ok := p.(SaveHook); ok {
			return x.OnSave
		}
	case HookRefresh:
		if x, ok := p.(RefreshHook); ok {
			return x.OnRefresh
		}
	case HookRun:
		if x, ok := p.(Runner); ok {
			return x.OnRun
		}
	}
	return nil
}

// New runs every NewHook.
func (r *Registry) New(ctx context.Context, p *prescription.Prescription) ([]Message, error) {
	return r.dispatch(ctx, HookNew, p)
}

// Open runs every OpenHook.
func (r *Registry) Open(ctx context.Context, p *prescription.Prescription) ([]Message, error) {
	return r.dispatch(ctx, HookOpen, p)
}

// Save runs every SaveHook.
func (r *Registry) Save(ctx context.Context, p *prescription.Prescription) ([]Message, error) {
	return r.dispatch(ctx, HookSave, p)
}

// Refresh runs every RefreshHook.
func (r *Registry) Refresh(ctx context.Context, p *prescription.Prescription) ([]Message, error) {
	return r.dispatch(ctx, HookRefresh, p)
}

// dispatch calls h on every plugin in name order. A failing plugin does not
// stop the others; all failures are joined into the returned error.
func (r *Registry) dispatch(ctx context.Context, h Hook, p *prescription.Prescription) ([]Message, error) {
	if r == nil {
		return nil, nil
	}
	var (
		msgs []Message
		errs []error
	)
	for _, pl := range r.List() {
		fn := hookFunc(pl, h)
		if fn == nil {
			continue
		}
		text, err := fn(ctx, p)
		if err != nil {
			r.log.Warn().Err(err).Str("plugin", pl.Name()).Str("hook", string(h)).Msg("plugin hook failed")
			errs = append(errs, errors.Wrapf(err, "plugin %s: %s", pl.Name(), h))
			continue
		}
		if text != "" {
			msgs = append(msgs, Message{Plugin: pl.Name(), Text: text})
		}
	}
	return msgs, stderrors.Join(errs...)
}

// Run invokes the named Runner. A foreground run returns its message. A
// background run works on a copy of p, returns immediately with an empty
// message and later sends exactly one Completion on done; done must then be
// non-nil and have room or a reader. A background run cannot be cancelled
// once started.
func (r *Registry) Run(ctx context.Context, name string, p *prescription.Prescription, done chan<- Completion) (string, error) {
	pl, ok := r.Lookup(name)
	if !ok {
		return "", errors.Errorf("plugin: %q not registered", name)
	}
	fn := hookFunc(pl, HookRun)
	if fn == nil {
		return "", errors.Errorf("plugin: %q cannot be run", name)
	}
	bg, _ := pl.(Backgrounder)
	if bg == nil || !bg.Background() {
		msg, err := fn(ctx, p)
		if err != nil {
			return "", errors.Wrapf(err, "plugin %s: run", name)
		}
		return msg, nil
	}
	if done == nil {
		return "", errors.Errorf("plugin: %q runs in background and needs a completion channel", name)
	}

	work := p.Clone()
	r.log.Debug().Str("plugin", name).Msg("plugin running in background")
	go func() {
		msg, err := fn(context.WithoutCancel(ctx), work)
		if err != nil {
			err = errors.Wrapf(err, "plugin %s: run", name)
		}
		c := Completion{Plugin: name, Message: msg, Err: err}
		r.bus.Publish(events.PluginCompleted{Plugin: c.Plugin, Message: c.Message, Err: c.Err})
		done <- c
	}()
	return "", nil
}
