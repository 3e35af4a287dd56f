package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"MODE", "HTTP_ADDR", "ATTEMPT_COOLDOWN", "JUDGE_TIMEOUT", "CERT_POLICY", "CORS_ORIGINS"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.Mode != ModeOffline {
		t.Fatalf("mode = %q", c.Mode)
	}
	if c.HTTPAddr != ":8080" {
		t.Fatalf("addr = %q", c.HTTPAddr)
	}
	if c.AttemptCooldown != 7*24*time.Hour {
		t.Fatalf("cooldown = %v", c.AttemptCooldown)
	}
	if c.CertPolicy != "first_success" {
		t.Fatalf("policy = %q", c.CertPolicy)
	}
	if len(c.CORSOrigins) != 2 {
		t.Fatalf("cors = %v", c.CORSOrigins)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ATTEMPT_COOLDOWN", "48h")
	t.Setenv("JUDGE_TIMEOUT", "bogus")
	t.Setenv("SWEEP_BATCH", "17")
	t.Setenv("ENABLE_LOCAL_AUTH", "no")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	c := FromEnv()
	if c.AttemptCooldown != 48*time.Hour {
		t.Fatalf("cooldown = %v", c.AttemptCooldown)
	}
	if c.JudgeTimeout != 20*time.Second {
		t.Fatalf("bad duration should fall back, got %v", c.JudgeTimeout)
	}
	if c.SweepBatch != 17 {
		t.Fatalf("batch = %d", c.SweepBatch)
	}
	if c.EnableLocalAuth {
		t.Fatal("local auth should be disabled")
	}
	if len(c.CORSOrigins) != 2 || c.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors = %v", c.CORSOrigins)
	}
}
