package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xirs/xirs/internal/config"
	"github.com/xirs/xirs/internal/protocol"
)

func TestParseItems(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
		name    string
	}{
		{"GAUZE:10:pack", false, ""},
		{"AMOX500:21:cap:Amoxicillin 500", false, "Amoxicillin 500"},
		{"ORS:2", true, ""},
		{"ORS:zero:sachet", true, ""},
		{"ORS:-1:sachet", true, ""},
	}
	for _, tt := range tests {
		items, names, err := parseItems([]string{tt.spec})
		if (err != nil) != tt.wantErr {
			t.Errorf("parseItems(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if err == nil && names[0] != tt.name {
			t.Errorf("parseItems(%q) name = %q, want %q", tt.spec, names[0], tt.name)
		}
		if err == nil && items[0].Qty <= 0 {
			t.Errorf("parseItems(%q) qty = %d", tt.spec, items[0].Qty)
		}
	}
	if _, _, err := parseItems(nil); err == nil {
		t.Error("no items accepted")
	}
}

func TestReadChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.txt")
	if err := os.WriteFile(path, []byte("XIRS|A|1/2|x|y\n\n  XIRS|A|2/2|x|y  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	lines, err := readChunks(path)
	if err != nil {
		t.Fatalf("readChunks: %v", err)
	}
	if len(lines) != 2 || lines[1] != "XIRS|A|2/2|x|y" {
		t.Errorf("lines = %q", lines)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, []byte("\n\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := readChunks(empty); err == nil {
		t.Error("empty input accepted")
	}
}

func TestRunInit(t *testing.T) {
	configDir = filepath.Join(t.TempDir(), ".xirs")
	quiet = true
	t.Cleanup(func() { configDir, quiet = "", false })

	if err := RunInit("martian"); err == nil {
		t.Fatal("unknown role accepted")
	}
	if err := RunInit("pharmacy"); err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	cfg, err := config.Load(filepath.Join(configDir, config.FileName))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Station.Role != protocol.StationPharmacy {
		t.Errorf("role = %q", cfg.Station.Role)
	}
	if _, err := os.Stat(cfg.DatabasePath(configDir)); err != nil {
		t.Errorf("database not created: %v", err)
	}
	if err := RunInit("pharmacy"); err == nil {
		t.Error("second init succeeded")
	}
}
