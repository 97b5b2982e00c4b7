package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadConfig_MergesEnvFileOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  host: localhost\n  port: 5432\nserver:\n  port: \":8080\"\n")
	writeFile(t, dir, "prod.yaml", "db:\n  host: db.internal\n")

	cfgMap, err := LoadConfig("prod", dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	var cfg struct {
		DB     DBConfig     `yaml:"db"`
		Server ServerConfig `yaml:"server"`
	}
	if err := Decode(cfgMap, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.DB.Host != "db.internal" {
		t.Fatalf("host: got %q", cfg.DB.Host)
	}
	if cfg.DB.Port != 5432 {
		t.Fatalf("port kept from base: got %d", cfg.DB.Port)
	}
	if cfg.Server.Port != ":8080" {
		t.Fatalf("server port: got %q", cfg.Server.Port)
	}
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  password: ${DB_SECRET}\n  user: ${MAILQUEUE_TEST_USER}\n")
	writeFile(t, dir, "secrets.env", "# comment\nDB_SECRET=\"s3cret\"\n")
	t.Setenv("MAILQUEUE_TEST_USER", "queue")

	cfgMap, err := LoadConfig("local", dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	var cfg struct {
		DB DBConfig `yaml:"db"`
	}
	if err := Decode(cfgMap, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.DB.Password != "s3cret" {
		t.Fatalf("password: got %q", cfg.DB.Password)
	}
	if cfg.DB.User != "queue" {
		t.Fatalf("user from process env: got %q", cfg.DB.User)
	}
}

func TestLoadConfig_MissingBase(t *testing.T) {
	if _, err := LoadConfig("local", t.TempDir()); err == nil {
		t.Fatalf("expected error for missing base.yaml")
	}
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "6543")

	cfg := DBConfig{Host: "localhost", Port: 5432, User: "u"}
	OverrideDBFromEnv(&cfg)
	if cfg.Host != "pg" || cfg.Port != 6543 || cfg.User != "u" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if got := cfg.DSN(); got != "postgres://u:@pg:6543/?sslmode=disable" {
		t.Fatalf("DSN: got %q", got)
	}
}
