package repo

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConfigRemoteRoundTrip(t *testing.T) {
	r := newTestRepo(t)

	if err := r.SetRemote("origin", "https://example.com/repo.git"); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	got, err := r.RemoteURL("origin")
	if err != nil {
		t.Fatalf("RemoteURL: %v", err)
	}
	if got != "https://example.com/repo.git" {
		t.Fatalf("RemoteURL = %q", got)
	}
	if _, err := r.RemoteURL("upstream"); err == nil {
		t.Fatal("RemoteURL(upstream) succeeded for unconfigured remote")
	}

	raw, err := os.ReadFile(r.configPath())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	for _, want := range []string{"[remote.origin]", `url = "https://example.com/repo.git"`, `name = "A U Thor"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("config file missing %q:\n%s", want, raw)
		}
	}
}

func TestReadConfigMissingReturnsEmptyConfig(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg, err := r.ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.Remotes == nil || len(cfg.Remotes) != 0 {
		t.Fatalf("Remotes = %#v, want empty map", cfg.Remotes)
	}
	if _, err := r.Identity(time.Now()); !errors.Is(err, ErrIdentityUnset) {
		t.Fatalf("Identity error = %v, want ErrIdentityUnset", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	level := 9
	want := &Config{
		Core: CoreConfig{Compression: &level},
		User: UserConfig{Name: "B", Email: "b@example.com"},
		Remotes: map[string]RemoteConfig{
			"origin":   {URL: "http://a/x.git"},
			"upstream": {URL: "http://b/y.git"},
		},
	}
	if err := r.WriteConfig(want); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	got, err := r.ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	// Reopening picks up the stored compression level without error.
	if _, err := Open(r.RootDir); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestReadConfigRejectsMalformedFile(t *testing.T) {
	r := newTestRepo(t)
	if err := os.WriteFile(r.configPath(), []byte("[user\nname = "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadConfig(); err == nil {
		t.Fatal("ReadConfig accepted malformed TOML")
	}
}

func TestIdentityUsesZoneOffset(t *testing.T) {
	r := newTestRepo(t)
	now := time.Unix(1714599041, 0).In(time.FixedZone("", 5*3600+30*60))
	sig, err := r.Identity(now)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got := sig.String(); got != "A U Thor <author@example.com> 1714599041 +0530" {
		t.Fatalf("Identity = %q", got)
	}
}
