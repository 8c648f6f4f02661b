package idcache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingStartsEmpty(t *testing.T) {
	c := Open(filepath.Join(t.TempDir(), "broadcasters.json"))
	if _, ok := c.Get("foo"); ok {
		t.Fatalf("expected empty cache")
	}
}

func TestOpenCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcasters.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Open(path)
	if _, ok := c.Get("foo"); ok {
		t.Fatalf("expected corrupt cache to be ignored")
	}
}

func TestPutPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcasters.json")

	c := Open(path)
	c.Put("Foo", "123")

	if id, ok := c.Get("foo"); !ok || id != "123" {
		t.Fatalf("Get after Put = %q, %v", id, ok)
	}

	again := Open(path)
	if id, ok := again.Get("FOO"); !ok || id != "123" {
		t.Fatalf("Get after reopen = %q, %v", id, ok)
	}
}

func TestPathForPrefersEnv(t *testing.T) {
	t.Setenv(EnvCacheFile, "/tmp/custom.json")
	if got := PathFor("/etc/huecycle/conf.json"); got != "/tmp/custom.json" {
		t.Fatalf("unexpected path %q", got)
	}

	t.Setenv(EnvCacheFile, "")
	if got := PathFor("/etc/huecycle/conf.json"); got != "/etc/huecycle/broadcasters.json" {
		t.Fatalf("unexpected default path %q", got)
	}
}
