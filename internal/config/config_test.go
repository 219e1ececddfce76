package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRotationPeriod(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1d", 1440, false},
		{"2h", 120, false},
		{"30m", 30, false},
		{"1w", 10080, false},
		{"", 0, true},
		{"5x", 0, true},
	}
	for _, c := range cases {
		got, err := parseRotationPeriod(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseRotationPeriod(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRotationPeriod(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseRotationPeriod(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsTCPTarget(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"127.0.0.1:9000", true},
		{"10.0.0.5:80", true},
		{"/var/log/nginx/nlship.out", false},
		{"not.an.ip.address:99999999999", false},
		{"nohostcolon", false},
	}
	for _, c := range cases {
		if got := IsTCPTarget(c.in); got != c.want {
			t.Errorf("IsTCPTarget(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLoadMergesINIThenCLI(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "nlship.ini")
	ini := "watch=/from/ini\ninterval=3.5\nsrcid=fromini\n# a comment\n"
	if err := os.WriteFile(iniPath, []byte(ini), 0o644); err != nil {
		t.Fatalf("write ini: %v", err)
	}

	cfg, err := Load([]string{"-srcid=fromcli"}, iniPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watch != "/from/ini" {
		t.Fatalf("Watch: got %q, want ini value", cfg.Watch)
	}
	if cfg.Interval != 3.5 {
		t.Fatalf("Interval: got %v, want 3.5", cfg.Interval)
	}
	if cfg.SrcID != "fromcli" {
		t.Fatalf("SrcID: got %q, want CLI override %q", cfg.SrcID, "fromcli")
	}
}

func TestLoadDefaultsWithoutINI(t *testing.T) {
	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Heartbeat {
		t.Fatalf("expected default Heartbeat=true")
	}
	if cfg.ResetOnTruncate {
		t.Fatalf("expected default ResetOnTruncate=false")
	}
}
