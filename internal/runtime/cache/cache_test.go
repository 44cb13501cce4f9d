package cache

import (
	"context"
	"errors"
	"sort"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	redisStore, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}

	badgerStore, err := NewBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("new badger: %v", err)
	}

	return map[string]Store{
		"memory": NewMemory(0),
		"redis":  redisStore,
		"badger": badgerStore,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range storeBackends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t.Cleanup(func() {
				if err := store.Close(ctx); err != nil {
					t.Fatalf("close: %v", err)
				}
			})

			if _, ok, err := store.Get(ctx, "cwb:missing"); err != nil || ok {
				t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
			}

			for key, value := range map[string]string{
				"cwb:https://a.example/":  "a",
				"cwb:https://b.example/":  "b",
				"other:https://a.example": "foreign",
			} {
				if err := store.Set(ctx, key, value); err != nil {
					t.Fatalf("set %s: %v", key, err)
				}
			}

			got, ok, err := store.Get(ctx, "cwb:https://a.example/")
			if err != nil || !ok || got != "a" {
				t.Fatalf("unexpected get result %q ok=%v err=%v", got, ok, err)
			}

			keys, err := store.Keys(ctx, "cwb:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "cwb:https://a.example/" || keys[1] != "cwb:https://b.example/" {
				t.Fatalf("unexpected namespaced keys: %v", keys)
			}

			size, err := store.Size(ctx)
			if err != nil {
				t.Fatalf("size: %v", err)
			}
			if size != 3 {
				t.Fatalf("expected size 3, got %d", size)
			}

			if err := store.Delete(ctx, "cwb:https://a.example/"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, err := store.Get(ctx, "cwb:https://a.example/"); err != nil || ok {
				t.Fatalf("expected delete to remove key, ok=%v err=%v", ok, err)
			}
			if err := store.Delete(ctx, "cwb:never-written"); err != nil {
				t.Fatalf("deleting an absent key should succeed: %v", err)
			}
		})
	}
}

func TestMemoryStoreQuota(t *testing.T) {
	store := NewMemory(2)
	ctx := context.Background()

	if err := store.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := store.Set(ctx, "b", "2"); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := store.Set(ctx, "c", "3"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if err := store.Set(ctx, "a", "overwrite"); err != nil {
		t.Fatalf("overwriting an existing key must not hit the quota: %v", err)
	}
}

func TestRedisKeysEscapesGlobCharacters(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()
	defer store.Close(ctx)

	if err := store.Set(ctx, "ns[1]:x", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "ns1:x", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	keys, err := store.Keys(ctx, "ns[1]:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "ns[1]:x" {
		t.Fatalf("expected literal prefix match, got %v", keys)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestNewBadgerRequiresPath(t *testing.T) {
	if _, err := NewBadger(BadgerConfig{}); err == nil {
		t.Fatalf("expected error without path")
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(ctx, "cwb:https://example.com/", "payload"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBadger(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)
	got, ok, err := reopened.Get(ctx, "cwb:https://example.com/")
	if err != nil || !ok || got != "payload" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", got, ok, err)
	}
}
