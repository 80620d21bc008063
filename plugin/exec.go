package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"medscript.dev/mpaz/prescription"
)

// ManifestName is the manifest file inside each plugin directory.
const ManifestName = "plugin.json"

// Manifest describes an external plugin.
type Manifest struct {
	Name         string   `json:"name"`
	Command      []string `json:"command"`
	Capabilities []Hook   `json:"capabilities"`
	Background   bool     `json:"background"`
}

// ExecPlugin runs an external command for each hook. The prescription is
// written to its stdin as JSON, the hook name is appended to the command
// line, and trimmed stdout is the hook's message. The command runs in the
// plugin's directory.
type ExecPlugin struct {
	Manifest
	Dir string
}

var (
	_ NewHook      = (*ExecPlugin)(nil)
	_ OpenHook     = (*ExecPlugin)(nil)
	_ SaveHook     = (*ExecPlugin)(nil)
	_ RefreshHook  = (*ExecPlugin)(nil)
	_ Runner       = (*ExecPlugin)(nil)
	_ Backgrounder = (*ExecPlugin)(nil)
)

// LoadManifest reads dir/plugin.json.
func LoadManifest(dir string) (*ExecPlugin, error) {
	path := filepath.Join(dir, ManifestName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read plugin manifest %s", path)
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "parse plugin manifest %s", path)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if len(m.Command) == 0 {
		return nil, errors.Errorf("plugin manifest %s: command is required", path)
	}
	for _, c := range m.Capabilities {
		switch c {
		case HookNew, HookOpen, HookSave, HookRefresh, HookRun:
		default:
			return nil, errors.Errorf("plugin manifest %s: unknown capability %q", path, c)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve plugin dir %s", dir)
	}
	return &ExecPlugin{Manifest: m, Dir: abs}, nil
}

// LoadDir loads every subdirectory of dir that holds a manifest, sorted by
// directory name. A missing dir yields no plugins; a bad manifest is an
// error.
func LoadDir(dir string) ([]*ExecPlugin, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read plugin directory %s", dir)
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
	var out []*ExecPlugin
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(sub, ManifestName)); os.IsNotExist(err) {
			continue
		}
		p, err := LoadManifest(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RegisterDir loads dir and registers each plugin with r.
func (r *Registry) RegisterDir(dir string) error {
	ps, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func (p *ExecPlugin) Name() string { return p.Manifest.Name }

func (p *ExecPlugin) Background() bool { return p.Manifest.Background }

func (p *ExecPlugin) Supports(h Hook) bool {
	for _, c := range p.Capabilities {
		if c == h {
			return true
		}
	}
	return false
}

func (p *ExecPlugin) OnNew(ctx context.Context, rx *prescription.Prescription) (string, error) {
	return p.invoke(ctx, HookNew, rx)
}

func (p *ExecPlugin) OnOpen(ctx context.Context, rx *prescription.Prescription) (string, error) {
	return p.invoke(ctx, HookOpen, rx)
}

func (p *ExecPlugin) OnSave(ctx context.Context, rx *prescription.Prescription) (string, error) {
	return p.invoke(ctx, HookSave, rx)
}

func (p *ExecPlugin) OnRefresh(ctx context.Context, rx *prescription.Prescription) (string, error) {
	return p.invoke(ctx, HookRefresh, rx)
}

func (p *ExecPlugin) OnRun(ctx context.Context, rx *prescription.Prescription) (string, error) {
	return p.invoke(ctx, HookRun, rx)
}

func (p *ExecPlugin) invoke(ctx context.Context, h Hook, rx *prescription.Prescription) (string, error) {
	in, err := rx.Encode()
	if err != nil {
		return "", errors.Wrap(err, "encode prescription")
	}
	args := append(append([]string(nil), p.Command[1:]...), string(h))
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Dir = p.Dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.Wrap(err, msg)
		}
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
