package mirror

import (
	"testing"

	"github.com/BurntSushi/toml"
)

const sampleConfig = `
dir = "/var/spool/tcmirror"
max_conns = 4
retry_limit = 3

[log]
level = "debug"
format = "json"

[tls]
min_version = "1.2"

[mirrors.main]
url = "https://downloads.example.org/toolchain"
channels = ["stable", "beta"]
targets = ["x86_64-linux"]
no_pgp_check = true
prune = true
on_republish = "keep"

[mirrors.main.filters]
keep_versions = 2
exclude_patterns = ["*-rc*"]
`

func TestConfigDecode(t *testing.T) {
	t.Parallel()

	config := NewConfig()
	md, err := toml.Decode(sampleConfig, config)
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Undecoded()) > 0 {
		t.Fatalf("unexpected keys: %v", md.Undecoded())
	}
	if err := config.Check(); err != nil {
		t.Fatal(err)
	}

	if config.Dir != "/var/spool/tcmirror" || config.MaxConns != 4 || config.RetryLimit != 3 {
		t.Errorf("top-level fields mismatched: %+v", config)
	}

	mc, ok := config.Mirrors["main"]
	if !ok {
		t.Fatal("mirror main not decoded")
	}
	if err := mc.Check(); err != nil {
		t.Fatal(err)
	}
	if mc.URL.Path != "/toolchain/" {
		t.Errorf("URL path = %q, want trailing slash appended", mc.URL.Path)
	}
	if len(mc.Channels) != 2 || !mc.Prune || mc.OnRepublish != RepublishKeep {
		t.Errorf("mirror fields mismatched: %+v", mc)
	}
	if mc.Filters == nil || mc.Filters.KeepVersions != 2 || len(mc.Filters.ExcludePatterns) != 1 {
		t.Errorf("filters mismatched: %+v", mc.Filters)
	}
}

func TestTomlURLRejectsScheme(t *testing.T) {
	t.Parallel()

	var u tomlURL
	for _, raw := range []string{"ftp://example.org/", "file:///etc", "example.org/path"} {
		if err := u.UnmarshalText([]byte(raw)); err == nil {
			t.Errorf("UnmarshalText(%q) should be rejected", raw)
		}
	}
	if err := u.UnmarshalText([]byte("http://example.org/tc")); err != nil {
		t.Fatal(err)
	}
	if u.Path != "/tc/" {
		t.Errorf("path = %q, want /tc/", u.Path)
	}
}

func TestMirrorConfigCheck(t *testing.T) {
	t.Parallel()

	var u tomlURL
	if err := u.UnmarshalText([]byte("https://example.org/")); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		mc   MirrorConfig
	}{
		{"no url", MirrorConfig{Channels: []string{"stable"}}},
		{"no channels", MirrorConfig{URL: u}},
		{"traversal channel", MirrorConfig{URL: u, Channels: []string{"../etc"}}},
		{"unclean channel", MirrorConfig{URL: u, Channels: []string{"stable/"}}},
		{"bad policy", MirrorConfig{URL: u, Channels: []string{"stable"}, OnRepublish: "maybe"}},
		{"relative key path", MirrorConfig{URL: u, Channels: []string{"stable"}, PGPKeyPath: "keys/k.asc"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if err := c.mc.Check(); err == nil {
				t.Error("Check should fail")
			}
		})
	}

	ok := MirrorConfig{URL: u, Channels: []string{"stable", "nightly/2026"}, NoPGPCheck: true}
	if err := ok.Check(); err != nil {
		t.Error(err)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	config := NewConfig()
	if err := config.Check(); err == nil {
		t.Error("empty dir should be rejected")
	}

	config.Dir = "relative"
	if err := config.Check(); err == nil {
		t.Error("relative dir should be rejected")
	}

	config.Dir = "/var/spool/tcmirror"
	if err := config.Check(); err != nil {
		t.Error(err)
	}

	config.MaxConns = 0
	if err := config.Check(); err == nil {
		t.Error("zero max_conns should be rejected")
	}
}

func TestRepublishPolicyOrDefault(t *testing.T) {
	t.Parallel()

	mc := MirrorConfig{}
	if got := mc.RepublishPolicyOrDefault(); got != RepublishRefetch {
		t.Errorf("default policy = %s, want refetch", got)
	}
	mc.OnRepublish = RepublishKeep
	if got := mc.RepublishPolicyOrDefault(); got != RepublishKeep {
		t.Errorf("policy = %s, want keep", got)
	}
}

func TestIsValidID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"main", "tc-stable", "mirror_01"} {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false", id)
		}
	}
	for _, id := range []string{"", "Main", "a/b", "a.b", "a b"} {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true", id)
		}
	}
}

func TestWantsTarget(t *testing.T) {
	t.Parallel()

	mc := MirrorConfig{}
	if !mc.WantsTarget("anything") {
		t.Error("empty target list should match everything")
	}
	mc.Targets = []string{"x86_64-linux"}
	if !mc.WantsTarget("x86_64-linux") || mc.WantsTarget("aarch64-darwin") {
		t.Error("target selection mismatched")
	}
}

func TestLogConfigApply(t *testing.T) {
	if err := (&LogConfig{Level: "nope"}).Apply(); err == nil {
		t.Error("invalid level should be rejected")
	}
	if err := (&LogConfig{Format: "nope"}).Apply(); err == nil {
		t.Error("invalid format should be rejected")
	}
	if err := (&LogConfig{Level: "warn", Format: "json"}).Apply(); err != nil {
		t.Error(err)
	}
}
