package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/configurator/pkg/manifest"
)

type dispatchFixture struct {
	fs       *fakeFS
	runner   *fakeRunner
	packages *fakePackages
	services *fakeServices
	observer *recordingObserver
	d        *Dispatcher
}

func newDispatchFixture(opts ...func(*DispatcherConfig)) *dispatchFixture {
	fx := &dispatchFixture{
		fs:       newFakeFS(),
		runner:   newFakeRunner(),
		packages: newFakePackages(),
		services: newFakeServices(),
		observer: &recordingObserver{},
	}
	cfg := DispatcherConfig{
		Logger:   testLogger(),
		Packages: fx.packages,
		Runner:   fx.runner,
		FS:       fx.fs,
		IDs:      newFakeIDs(),
		Services: fx.services,
		Purge:    true,
		Observer: fx.observer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	fx.d = NewDispatcher(cfg)
	return fx
}

func resultKeys(report *Report) []string {
	keys := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		keys = append(keys, string(r.Type)+":"+r.ID)
	}
	return keys
}

func TestDispatcher_Order(t *testing.T) {
	fx := newDispatchFixture()
	fx.packages.known = map[string]bool{"apache2": false, "tree": true}

	// Declared in reverse; application order is still package, file, command.
	hm := manifest.HostManifest{
		Commands: manifest.Commands{{Command: "a2enmod php"}},
		Files: manifest.Files{
			{Path: "/var/www/b", Spec: manifest.FileSpec{Content: strPtr("b")}},
			{Path: "/var/www/a", Spec: manifest.FileSpec{Content: strPtr("a")}},
		},
		Packages: &manifest.PackageSet{Install: []string{"apache2"}, Uninstall: []string{"tree"}},
		Services: map[string]any{"apache2": nil},
	}

	report := fx.d.Dispatch(context.Background(), "web01", hm)

	want := []string{
		"package:apache2",
		"package:tree",
		"file:/var/www/b",
		"file:/var/www/a",
		"command:a2enmod php",
	}
	if got := resultKeys(report); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if report.Changed() != 5 || report.Failed() != 0 {
		t.Errorf("changed=%d failed=%d", report.Changed(), report.Failed())
	}
	if len(fx.observer.results) != 5 {
		t.Errorf("observer saw %d results, want 5", len(fx.observer.results))
	}
	if report.Host != "web01" {
		t.Errorf("report = %+v", report)
	}
}

func TestDispatcher_PackageIsolation(t *testing.T) {
	fx := newDispatchFixture()
	fx.packages.known = map[string]bool{"apache2": false, "php5": false}
	fx.packages.failCommit["apache2"] = true

	hm := manifest.HostManifest{
		Packages: &manifest.PackageSet{Install: []string{"missing", "apache2", "php5"}},
	}
	report := fx.d.Dispatch(context.Background(), "web01", hm)

	if len(report.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(report.Results))
	}
	if !IsResourceNotFound(report.Results[0].Err) {
		t.Errorf("missing: %v", report.Results[0].Err)
	}
	if !IsTransactionError(report.Results[1].Err) {
		t.Errorf("apache2: %v", report.Results[1].Err)
	}
	if report.Results[2].Err != nil || !report.Results[2].Changed {
		t.Errorf("php5 should install despite earlier failures: %+v", report.Results[2])
	}
	if !fx.packages.known["php5"] {
		t.Error("php5 not installed")
	}
}

func TestDispatcher_InstallAndUninstallSameName(t *testing.T) {
	fx := newDispatchFixture()
	fx.packages.known = map[string]bool{"tree": false}

	hm := manifest.HostManifest{
		Packages: &manifest.PackageSet{Install: []string{"tree"}, Uninstall: []string{"tree"}},
	}
	fx.d.Dispatch(context.Background(), "h", hm)

	want := []string{"install tree", "uninstall tree purge=true"}
	if !reflect.DeepEqual(fx.packages.calls, want) {
		t.Errorf("calls = %v, want %v", fx.packages.calls, want)
	}
}

func TestDispatcher_PanicRecovery(t *testing.T) {
	fx := newDispatchFixture()
	fx.runner.panicOn = "explode"

	hm := manifest.HostManifest{
		Commands: manifest.Commands{
			{Command: "explode"},
			{Command: "echo after"},
		},
	}
	report := fx.d.Dispatch(context.Background(), "h", hm)

	if len(report.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results))
	}
	if err := report.Results[0].Err; err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("expected recovered panic, got %v", err)
	}
	if !hasCode(report.Results[0].Err, ErrCodeInternal) {
		t.Errorf("expected internal error code, got %v", report.Results[0].Err)
	}
	if report.Results[1].Err != nil {
		t.Errorf("later command should run: %v", report.Results[1].Err)
	}
}

func TestDispatcher_DuplicateRestartsAcrossResources(t *testing.T) {
	fx := newDispatchFixture()
	hm := manifest.HostManifest{
		Files: manifest.Files{
			{Path: "/etc/nginx/a.conf", Spec: manifest.FileSpec{Content: strPtr("a"), Restart: []string{"nginx"}}},
			{Path: "/etc/nginx/b.conf", Spec: manifest.FileSpec{Content: strPtr("b"), Restart: []string{"nginx"}}},
		},
		Commands: manifest.Commands{
			{Command: "nginx -t", Spec: manifest.CommandSpec{Restart: []string{"nginx"}}},
		},
	}
	fx.d.Dispatch(context.Background(), "h", hm)

	if got := fx.services.restarts(); !reflect.DeepEqual(got, []string{"nginx", "nginx", "nginx"}) {
		t.Errorf("restarts = %v, want three", got)
	}
	if len(fx.observer.restarts) != 3 {
		t.Errorf("observer restarts = %v", fx.observer.restarts)
	}
}

func TestDispatcher_Idempotent(t *testing.T) {
	fx := newDispatchFixture()
	fx.packages.known = map[string]bool{"apache2": false}
	hm := manifest.HostManifest{
		Packages: &manifest.PackageSet{Install: []string{"apache2"}},
		Files: manifest.Files{
			{Path: "/var/www/index.php", Spec: manifest.FileSpec{
				Content: strPtr("<?php echo 'hi'; ?>"),
				Mode:    modePtr("0755"),
				Restart: []string{"apache2"},
			}},
		},
	}

	first := fx.d.Dispatch(context.Background(), "h", hm)
	second := fx.d.Dispatch(context.Background(), "h", hm)

	if first.Changed() != 2 {
		t.Errorf("first run changed = %d, want 2", first.Changed())
	}
	if second.Changed() != 0 || second.Failed() != 0 {
		t.Errorf("second run changed=%d failed=%d, want 0/0", second.Changed(), second.Failed())
	}
	if got := len(fx.services.restarts()); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
}

func TestDispatcher_EmptyManifest(t *testing.T) {
	fx := newDispatchFixture()
	report := fx.d.Dispatch(context.Background(), "h", manifest.HostManifest{
		Services: map[string]any{"nginx": map[string]any{"ensure": "running"}},
	})
	if len(report.Results) != 0 || len(fx.services.calls) != 0 || fx.packages.refreshes != 0 {
		t.Errorf("expected no actions, got %+v", report)
	}
}

func TestDispatcher_Cancellation(t *testing.T) {
	fx := newDispatchFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := fx.d.Dispatch(ctx, "h", manifest.HostManifest{
		Commands: manifest.Commands{{Command: "echo one"}},
	})
	if len(report.Results) != 0 || len(fx.runner.calls) != 0 {
		t.Errorf("cancelled dispatch should not start resources: %+v", report.Results)
	}
}

func TestDispatcher_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	fx := newDispatchFixture(func(cfg *DispatcherConfig) {
		cfg.Tracer = tp.Tracer("test")
	})

	fx.runner.codes["false"] = 1
	fx.d.Dispatch(context.Background(), "h", manifest.HostManifest{
		Commands: manifest.Commands{{Command: "true"}, {Command: "false"}},
	})

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	names := []string{spans[0].Name(), spans[1].Name(), spans[2].Name()}
	want := []string{"configurator.resource.command", "configurator.resource.command", "configurator.dispatch"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("span names = %v, want %v", names, want)
	}
}
