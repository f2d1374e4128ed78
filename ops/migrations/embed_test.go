package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEveryUpHasDown(t *testing.T) {
	entries, err := fs.ReadDir(SQL(), ".")
	if err != nil {
		t.Fatalf("read embedded sql: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	ups := 0
	for name := range names {
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		ups++
		if down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"; !names[down] {
			t.Fatalf("migration %s has no %s", name, down)
		}
	}
	if ups == 0 {
		t.Fatalf("no migrations embedded")
	}
}

func TestSchemaCoversStores(t *testing.T) {
	var all strings.Builder
	_ = fs.WalkDir(SQL(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".up.sql") {
			return err
		}
		data, err := fs.ReadFile(SQL(), p)
		all.Write(data)
		return err
	})
	for _, table := range []string{"tenants", "roles", "role_permissions", "principals", "feature_flags", "entities", "revoked_tokens"} {
		if !strings.Contains(all.String(), "create table if not exists "+table+" (") {
			t.Fatalf("table %s missing from migrations", table)
		}
	}
}
