package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestInitialize_Defaults(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if got := Home(); got != dir {
		t.Errorf("Home() = %q, want %q", got, dir)
	}
	if got := GetString("db.path"); got != filepath.Join(dir, "graphnote.db") {
		t.Errorf("db.path = %q", got)
	}
	if got := GetDuration("daemon.interval"); got != 30*time.Second {
		t.Errorf("daemon.interval = %v", got)
	}
	if got := GetInt("daemon.concurrency"); got != 4 {
		t.Errorf("daemon.concurrency = %d", got)
	}
	if got := GetFloat64("server.rate_limit"); got != 20 {
		t.Errorf("server.rate_limit = %v", got)
	}
	if ConfigFileUsed() != "" {
		t.Errorf("ConfigFileUsed() = %q without a config file", ConfigFileUsed())
	}
}

func TestInitialize_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	yaml := "user:\n  id: alice\nlog:\n  level: debug\ndaemon:\n  interval: 5s\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GN_LOG_LEVEL", "warn")

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if got := GetString("user.id"); got != "alice" {
		t.Errorf("user.id = %q, want alice", got)
	}
	if got := GetString("log.level"); got != "warn" {
		t.Errorf("log.level = %q, environment should win over the file", got)
	}
	if got := GetDuration("daemon.interval"); got != 5*time.Second {
		t.Errorf("daemon.interval = %v", got)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("user", "", "")
	if err := BindFlag("user.id", flags.Lookup("user")); err != nil {
		t.Fatalf("BindFlag() failed: %v", err)
	}
	if got := GetString("user.id"); got != "alice" {
		t.Errorf("unset flag overrode user.id: %q", got)
	}
	if err := flags.Parse([]string{"--user", "bob"}); err != nil {
		t.Fatal(err)
	}
	if got := GetString("user.id"); got != "bob" {
		t.Errorf("user.id = %q, flag should win", got)
	}
}

func TestInitialize_BadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("user: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(dir); err == nil {
		t.Error("Initialize() should fail on malformed yaml")
	}
}

func TestBindFlag_Nil(t *testing.T) {
	if err := BindFlag("user.id", nil); err == nil {
		t.Error("BindFlag(nil) should fail")
	}
}
