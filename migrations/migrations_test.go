package migrations

import (
	"io/fs"
	"reflect"
	"strings"
	"testing"
)

func TestEmbeddedSetIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	names, err := List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []string{
		"001_create_events.down.sql",
		"001_create_events.up.sql",
		"002_create_metrics.down.sql",
		"002_create_metrics.up.sql",
	}

	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestEmbeddedFilesReadableThroughFS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	content, err := fs.ReadFile(FS(), "001_create_events.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	if !strings.Contains(string(content), "CREATE TABLE") {
		t.Errorf("001_create_events.up.sql does not create a table:\n%s", content)
	}
}

func TestValidateNames(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{
			name:  "valid pair",
			files: []string{"001_init.down.sql", "001_init.up.sql"},
		},
		{
			name:  "valid two sequences",
			files: []string{"001_init.down.sql", "001_init.up.sql", "002_more.down.sql", "002_more.up.sql"},
		},
		{
			name:    "empty set",
			files:   nil,
			wantErr: "no embedded migration files",
		},
		{
			name:    "missing down",
			files:   []string{"001_init.up.sql"},
			wantErr: "no down migration",
		},
		{
			name:    "missing up",
			files:   []string{"001_init.down.sql"},
			wantErr: "no up migration",
		},
		{
			name:    "gap in sequence",
			files:   []string{"001_init.down.sql", "001_init.up.sql", "003_late.down.sql", "003_late.up.sql"},
			wantErr: "gap",
		},
		{
			name:    "does not start at 001",
			files:   []string{"002_init.down.sql", "002_init.up.sql"},
			wantErr: "expected 001",
		},
		{
			name:    "malformed name",
			files:   []string{"init.sql"},
			wantErr: "unexpected migration filename",
		},
		{
			name:    "missing direction",
			files:   []string{"001_init.sql"},
			wantErr: "unexpected migration filename",
		},
		{
			name:    "duplicate direction",
			files:   []string{"001_init.up.sql", "001_other.up.sql", "001_init.down.sql"},
			wantErr: "duplicate up migration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateNames(tt.files)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateNames(%v) error = %v, want nil", tt.files, err)
				}

				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateNames(%v) error = %v, want containing %q", tt.files, err, tt.wantErr)
			}
		})
	}
}

func TestParseName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	seq, dir, err := parseName("002_create_metrics.down.sql")
	if err != nil {
		t.Fatalf("parseName() error = %v", err)
	}

	if seq != 2 || dir != "down" {
		t.Errorf("parseName() = (%d, %s), want (2, down)", seq, dir)
	}

	for _, bad := range []string{"2_short.up.sql", "001_.up.sql", "001_name.sideways.sql", "001_name.up.txt"} {
		if _, _, err := parseName(bad); err == nil {
			t.Errorf("parseName(%q) succeeded, want error", bad)
		}
	}
}
