package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestHome points HOME at a temp dir, clears XDG vars and the cache.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return tmpDir
}

type layout struct {
	config, data, state string
}

func currentLayout(t *testing.T) layout {
	t.Helper()
	c, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	d, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	s, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	return layout{config: c, data: d, state: s}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, home string)
		want     func(home string) layout
		wantFlat bool
	}{
		{
			name:  "fresh install without XDG",
			setup: func(t *testing.T, home string) {},
			want: func(home string) layout {
				d := filepath.Join(home, ".panorama")
				return layout{d, d, d}
			},
			wantFlat: true,
		},
		{
			name: "flat dir exists",
			setup: func(t *testing.T, home string) {
				if err := os.MkdirAll(filepath.Join(home, ".panorama"), 0755); err != nil {
					t.Fatal(err)
				}
			},
			want: func(home string) layout {
				d := filepath.Join(home, ".panorama")
				return layout{d, d, d}
			},
			wantFlat: true,
		},
		{
			name: "flat dir wins over XDG",
			setup: func(t *testing.T, home string) {
				if err := os.MkdirAll(filepath.Join(home, ".panorama"), 0755); err != nil {
					t.Fatal(err)
				}
				t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
			},
			want: func(home string) layout {
				d := filepath.Join(home, ".panorama")
				return layout{d, d, d}
			},
			wantFlat: true,
		},
		{
			name: "all XDG vars set",
			setup: func(t *testing.T, home string) {
				t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
				t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
				t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
			},
			want: func(home string) layout {
				return layout{
					filepath.Join(home, "cfg", "panorama"),
					filepath.Join(home, "data", "panorama"),
					filepath.Join(home, "state", "panorama"),
				}
			},
		},
		{
			name: "partial XDG vars fall back to XDG defaults",
			setup: func(t *testing.T, home string) {
				t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
			},
			want: func(home string) layout {
				return layout{
					filepath.Join(home, "cfg", "panorama"),
					filepath.Join(home, ".local", "share", "panorama"),
					filepath.Join(home, ".local", "state", "panorama"),
				}
			},
		},
		{
			name: "file named .panorama is ignored",
			setup: func(t *testing.T, home string) {
				if err := os.WriteFile(filepath.Join(home, ".panorama"), []byte("x"), 0644); err != nil {
					t.Fatal(err)
				}
				t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
			},
			want: func(home string) layout {
				return layout{
					filepath.Join(home, "cfg", "panorama"),
					filepath.Join(home, ".local", "share", "panorama"),
					filepath.Join(home, ".local", "state", "panorama"),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setupTestHome(t)
			tt.setup(t, home)
			Reset()

			if got, want := currentLayout(t), tt.want(home); got != want {
				t.Errorf("layout = %+v, want %+v", got, want)
			}
			if got := IsFlatLayout(); got != tt.wantFlat {
				t.Errorf("IsFlatLayout() = %v, want %v", got, tt.wantFlat)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	home := setupTestHome(t)
	base := filepath.Join(home, ".panorama")

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"ConfigFilePath", ConfigFilePath, filepath.Join(base, "agent.yaml")},
		{"StoreDir", StoreDir, filepath.Join(base, "store")},
		{"LogsDir", LogsDir, filepath.Join(base, "logs")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestResetClearsCache(t *testing.T) {
	home := setupTestHome(t)

	dir1, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(home, ".panorama"); dir1 != want {
		t.Errorf("ConfigDir = %q, want %q", dir1, want)
	}

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "new-config"))
	dir2, _ := ConfigDir()
	if dir2 != dir1 {
		t.Errorf("ConfigDir changed without Reset: %q", dir2)
	}

	Reset()
	dir3, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir after reset: %v", err)
	}
	if want := filepath.Join(home, "new-config", "panorama"); dir3 != want {
		t.Errorf("ConfigDir after reset = %q, want %q", dir3, want)
	}
}

func TestExpandHome(t *testing.T) {
	home := setupTestHome(t)

	tests := []struct {
		in   string
		want string
	}{
		{"", home},
		{"~", home},
		{"~/projects/app", filepath.Join(home, "projects", "app")},
		{"/abs/path", "/abs/path"},
		{"relative/dir", "relative/dir"},
		{"~other/dir", "~other/dir"},
	}
	for _, tt := range tests {
		got, err := ExpandHome(tt.in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
