package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Codec.ChunkSize != 800 {
		t.Errorf("chunk size = %d, want 800", cfg.Codec.ChunkSize)
	}
	if cfg.Replay.Retention.Duration != 30*24*time.Hour {
		t.Errorf("retention = %s", cfg.Replay.Retention)
	}
	if cfg.CertPolicy() != certs.PolicyVerifier {
		t.Errorf("policy = %s", cfg.CertPolicy())
	}
	if cfg.Hub.CodeTTL.Duration != 10*time.Minute {
		t.Errorf("code ttl = %s", cfg.Hub.CodeTTL)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	t.Setenv(EnvLogLevel, "")

	path := writeConfig(t, `
[station]
role = "PHARMACY"
database = "/var/lib/xirs/pharm.db"

[codec]
chunk_size = 400

[replay]
retention = "72h"

[certs]
policy = "verifier_and_claimed"

[hub]
cors_origins = ["http://localhost:3000"]
pair_burst = 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Station.Role != protocol.StationPharmacy {
		t.Errorf("role = %s", cfg.Station.Role)
	}
	if cfg.ChunkCodec().Budget() != 400 {
		t.Errorf("budget = %d", cfg.ChunkCodec().Budget())
	}
	if cfg.Replay.Retention.Duration != 72*time.Hour {
		t.Errorf("retention = %s", cfg.Replay.Retention)
	}
	if cfg.CertPolicy() != certs.PolicyVerifierAndClaimed {
		t.Errorf("policy = %s", cfg.CertPolicy())
	}
	if got := cfg.DatabasePath("/tmp/ignored"); got != "/var/lib/xirs/pharm.db" {
		t.Errorf("database path = %s", got)
	}
	if len(cfg.Hub.CORSOrigins) != 1 || cfg.Hub.PairBurst != 2 {
		t.Errorf("hub = %+v", cfg.Hub)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPassphrase, "s3cret")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(writeConfig(t, "[log]\nlevel = \"warn\"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Passphrase != "s3cret" {
		t.Errorf("passphrase not taken from env")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	cases := map[string]string{
		"role":       "[station]\nrole = \"TOASTER\"\n",
		"chunk size": "[codec]\nchunk_size = 20\n",
		"policy":     "[certs]\npolicy = \"claimed_only\"\n",
		"duration":   "[replay]\nretention = \"a while\"\n",
		"level":      "[log]\nlevel = \"loud\"\n",
		"syntax":     "[station\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	t.Setenv(EnvLogLevel, "")

	cfg := Default()
	cfg.Station.Role = protocol.StationRunner
	cfg.Passphrase = "never written"
	path := filepath.Join(t.TempDir(), "nested", FileName)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("empty config file")
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Station.Role != protocol.StationRunner {
		t.Errorf("role = %s", loaded.Station.Role)
	}
	if loaded.Passphrase != "" {
		t.Error("passphrase leaked into the file")
	}
}
