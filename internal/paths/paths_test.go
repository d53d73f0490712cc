package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDataDirMethods(t *testing.T) {
	root := filepath.Join("home", "user", ".config", "pgnotify")
	d := DataDir{Root: root}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Config", d.Config(), filepath.Join(root, "config.toml")},
		{"Log", d.Log(), filepath.Join(root, "pgnotify.log")},
		{"PID", d.PID(), filepath.Join(root, "pgnotify.pid")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDataDirEmptyRoot(t *testing.T) {
	d := DataDir{}
	if got := d.Config(); got != ConfigFile {
		t.Errorf("Config() = %q, want bare file name", got)
	}
}

func TestDefaultHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)

	if got := Default().Root; got != dir {
		t.Errorf("Default().Root = %q, want %q", got, dir)
	}
}

func TestDefaultUsesUserConfigDir(t *testing.T) {
	t.Setenv(DataDirEnv, "")
	base, err := os.UserConfigDir()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if got, want := Default().Root, filepath.Join(base, AppDir); got != want {
		t.Errorf("Default().Root = %q, want %q", got, want)
	}
}

func TestEnsure(t *testing.T) {
	d := DataDir{Root: filepath.Join(t.TempDir(), "a", "b")}
	if err := d.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if info, err := os.Stat(d.Root); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if err := d.Ensure(); err != nil {
		t.Errorf("second Ensure: %v", err)
	}
}
