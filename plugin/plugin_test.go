package plugin

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/prescription"
)

type stamp struct{}

func (stamp) Name() string { return "stamp" }

func (stamp) OnSave(_ context.Context, p *prescription.Prescription) (string, error) {
	p.Note = "stamped"
	return "stamped " + p.Name, nil
}

type broken struct{}

func (broken) Name() string { return "broken" }

func (broken) OnSave(context.Context, *prescription.Prescription) (string, error) {
	return "", errors.New("disk full")
}

type report struct {
	background bool
	release    chan struct{}
}

func (r *report) Name() string     { return "report" }
func (r *report) Background() bool { return r.background }

func (r *report) OnRun(_ context.Context, p *prescription.Prescription) (string, error) {
	if r.release != nil {
		<-r.release
	}
	return "report for " + p.Name, nil
}

func newRegistry(t *testing.T, ps ...Plugin) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop(), nil)
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return r
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := newRegistry(t, stamp{}, &report{}, broken{})
	if err := r.Register(stamp{}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	var names []string
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	if strings.Join(names, ",") != "broken,report,stamp" {
		t.Fatalf("List = %v", names)
	}
	if got := r.Names(HookRun); len(got) != 1 || got[0] != "report" {
		t.Fatalf("Names(run) = %v", got)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("unexpected lookup hit")
	}
}

func TestRegistry_SaveCollectsMessagesAndErrors(t *testing.T) {
	r := newRegistry(t, stamp{}, broken{}, &report{})
	p := &prescription.Prescription{Name: "Ravi"}
	msgs, err := r.Save(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].Plugin != "stamp" || msgs[0].Text != "stamped Ravi" {
		t.Fatalf("messages = %+v", msgs)
	}
	if p.Note != "stamped" {
		t.Fatalf("save hook did not modify prescription")
	}

	msgs, err = r.Open(context.Background(), p)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("Open with no hooks: %v %v", msgs, err)
	}
}

func TestRegistry_RunForeground(t *testing.T) {
	r := newRegistry(t, &report{}, stamp{})
	msg, err := r.Run(context.Background(), "report", &prescription.Prescription{Name: "Ravi"}, nil)
	if err != nil || msg != "report for Ravi" {
		t.Fatalf("Run = %q, %v", msg, err)
	}
	if _, err := r.Run(context.Background(), "stamp", &prescription.Prescription{}, nil); err == nil {
		t.Fatalf("expected error running a plugin without OnRun")
	}
	if _, err := r.Run(context.Background(), "nope", &prescription.Prescription{}, nil); err == nil {
		t.Fatalf("expected error for unknown plugin")
	}
}

func TestRegistry_RunBackgroundSendsCompletion(t *testing.T) {
	bus := events.NewBus()
	published := make(chan events.PluginCompleted, 1)
	events.Subscribe(bus, func(e events.PluginCompleted) { published <- e })

	rep := &report{background: true, release: make(chan struct{})}
	r := NewRegistry(zerolog.Nop(), bus)
	r.MustRegister(rep)

	p := &prescription.Prescription{Name: "Ravi"}
	done := make(chan Completion, 1)
	msg, err := r.Run(context.Background(), "report", p, done)
	if err != nil || msg != "" {
		t.Fatalf("background Run = %q, %v", msg, err)
	}
	// The run works on a copy.
	p.Name = "changed"
	close(rep.release)

	select {
	case c := <-done:
		if c.Plugin != "report" || c.Message != "report for Ravi" || c.Err != nil {
			t.Fatalf("completion = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no completion")
	}
	if e := <-published; e.Message != "report for Ravi" {
		t.Fatalf("published = %+v", e)
	}

	if _, err := r.Run(context.Background(), "report", p, nil); err == nil {
		t.Fatalf("expected error without completion channel")
	}
}

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	sub := filepath.Join(dir, name)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, ManifestName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b-echo", `{"command":["echo"],"capabilities":["run"]}`)
	writeManifest(t, dir, "a-print", `{"name":"printer","command":["lp"],"capabilities":["save"],"background":true}`)
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(ps) != 2 || ps[0].Name() != "printer" || ps[1].Name() != "b-echo" {
		t.Fatalf("plugins = %+v", ps)
	}
	if !ps[0].Background() || !ps[0].Supports(HookSave) || ps[0].Supports(HookRun) {
		t.Fatalf("manifest flags not honored: %+v", ps[0].Manifest)
	}

	none, err := LoadDir(filepath.Join(dir, "absent"))
	if err != nil || none != nil {
		t.Fatalf("missing dir: %v %v", none, err)
	}

	writeManifest(t, dir, "c-bad", `{"command":["x"],"capabilities":["print"]}`)
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("expected error for unknown capability")
	}
}

func TestExecPlugin_Hooks(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	writeManifest(t, dir, "greeter", `{"command":["`+sh+`","-c","grep -q Ravi && echo \"$0 ok\""],"capabilities":["save","run"]}`)
	writeManifest(t, dir, "failer", `{"command":["`+sh+`","-c","echo nope >&2; exit 3"],"capabilities":["save"]}`)

	r := NewRegistry(zerolog.Nop(), nil)
	if err := r.RegisterDir(dir); err != nil {
		t.Fatalf("RegisterDir: %v", err)
	}
	p := &prescription.Prescription{Name: "Ravi"}

	msg, err := r.Run(context.Background(), "greeter", p, nil)
	if err != nil || msg != "run ok" {
		t.Fatalf("Run = %q, %v", msg, err)
	}

	msgs, err := r.Save(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "save ok" {
		t.Fatalf("messages = %+v", msgs)
	}

	// Not declared, so not dispatched.
	msgs, err = r.New(context.Background(), p)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("New = %+v, %v", msgs, err)
	}
}
