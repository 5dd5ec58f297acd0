package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/convsync/internal/config"
)

func TestDirUsesHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if got := SocketPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "convsyncd.sock")) {
		t.Errorf("SocketPath(test) = %q", got)
	}
	if got := LogPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "logs", "convsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("work"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("work"), LogDir("work")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v, want 0700 dir", d, info.Mode())
		}
	}
}

func TestResolveProfile(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := ResolveProfile(""); got != DefaultProfile {
		t.Errorf("no config: got %q, want %q", got, DefaultProfile)
	}

	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := ResolveProfile(""); got != "work" {
		t.Errorf("config default: got %q, want work", got)
	}
	if got := ResolveProfile("flag"); got != "flag" {
		t.Errorf("flag override: got %q, want flag", got)
	}
}

func TestValidateProfile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "shop42", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProfile(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProfile(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
