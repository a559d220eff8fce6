package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadMergesFilesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	common := writeFile(t, dir, "common.yml", `
env: dev
redis:
  addr: 10.0.0.1:6379
  prefix: test
store:
  driver: memory
offline:
  max-keep: 50
`)
	svc := writeFile(t, dir, "im-comet.yml", `
http:
  addr: ":9000"
session:
  heartbeat_interval: 10s
  presence_ttl: 25s
`)

	c, err := Load(common + "," + svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.IsDev() || c.HTTP.Addr != ":9000" || c.Redis.Addr != "10.0.0.1:6379" {
		t.Fatalf("unexpected merge result: %+v", c)
	}
	if c.Session.IdleTimeout != 30*time.Second {
		t.Fatalf("idle timeout should default to three heartbeats, got %s", c.Session.IdleTimeout)
	}
	if c.Session.ReplayLimit != 50 || c.Offline.MaxKeep != 50 {
		t.Fatalf("replay limit should follow offline bound, got %d", c.Session.ReplayLimit)
	}
	if c.Queue.Driver != "redis" || c.Queue.Key != "test:jobs:distribute" {
		t.Fatalf("unexpected queue defaults: %+v", c.Queue)
	}
	if c.Redis.OpTimeout != 3*time.Second || c.Maintenance.Every != 30*time.Minute {
		t.Fatalf("unexpected defaults")
	}
	if c.MembershipCacheTTL != 0 {
		t.Fatalf("membership must be resolved per job unless caching is configured, got %s", c.MembershipCacheTTL)
	}
	if c.Queue.Visibility != 2*time.Minute {
		t.Fatalf("unexpected queue visibility %s", c.Queue.Visibility)
	}
}

func TestEnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yml", `
redis:
  addr: 10.0.0.1:6379
store:
  driver: memory
`)
	t.Setenv("CHALK_REDIS_ADDR", "redis:6380")
	t.Setenv("CHALK_REDIS_DB", "3")
	t.Setenv("CHALK_HTTP_ADDR", ":7100")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Redis.Addr != "redis:6380" || c.Redis.Database != 3 || c.HTTP.Addr != ":7100" {
		t.Fatalf("env not applied: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"presence_ttl": `
store: {driver: memory}
session: {heartbeat_interval: 30s, presence_ttl: 45s}
`,
		"mysql.dsn": `
store: {driver: mysql}
`,
		"rocketmq.name-server": `
store: {driver: memory}
queue: {driver: rocketmq}
`,
		"unknown store.driver": `
store: {driver: postgres}
`,
		"membership_cache_ttl": `
store: {driver: memory}
membership_cache_ttl: -1s
`,
	}
	for want, body := range cases {
		p := writeFile(t, dir, "bad.yml", body)
		_, err := Load(p)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("expected error mentioning %q, got %v", want, err)
		}
	}

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	c, err := Load("../../configs/config.example.yml")
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(c.Store.Seed.Users) != 2 || len(c.Store.Seed.Chats) != 1 {
		t.Fatalf("seed not parsed: %+v", c.Store.Seed)
	}
	if c.RocketMQ.Consumer.MaxReconsumeTimes != 5 || !c.Queue.Embedded {
		t.Fatalf("unexpected queue settings")
	}
}
