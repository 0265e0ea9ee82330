package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nordpay/settlements/internal/repository"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test"), mr
}

// runStoreSuite exercises the protocol contract shared by both backends.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	ttl := time.Hour
	fp := Fingerprint([]byte(`{"merchant":"M-001"}`))

	t.Run("first claim is new", func(t *testing.T) {
		res, err := store.Begin(ctx, "batch.create", "k1", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateNew {
			t.Fatalf("state = %s, want new", res.State)
		}
	})

	t.Run("second claim while running is in_progress", func(t *testing.T) {
		res, err := store.Begin(ctx, "batch.create", "k1", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateInProgress {
			t.Fatalf("state = %s, want in_progress", res.State)
		}
	})

	t.Run("same key different fingerprint conflicts", func(t *testing.T) {
		other := Fingerprint([]byte(`{"merchant":"M-002"}`))
		res, err := store.Begin(ctx, "batch.create", "k1", other, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateConflict {
			t.Fatalf("state = %s, want conflict", res.State)
		}
	})

	t.Run("completed claim replays byte-identically", func(t *testing.T) {
		body := []byte(`{"id":"batch-1","net":"311.25"}`)
		if err := store.Complete(ctx, "batch.create", "k1", fp,
			CachedResult{StatusCode: 201, Body: body}, ttl); err != nil {
			t.Fatal(err)
		}

		res, err := store.Begin(ctx, "batch.create", "k1", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateReplay {
			t.Fatalf("state = %s, want replay", res.State)
		}
		if res.Cached == nil || res.Cached.StatusCode != 201 {
			t.Fatalf("cached = %+v", res.Cached)
		}
		if string(res.Cached.Body) != string(body) {
			t.Errorf("body = %q, want %q", res.Cached.Body, body)
		}
	})

	t.Run("scopes are independent", func(t *testing.T) {
		res, err := store.Begin(ctx, "batch.process", "k1", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateNew {
			t.Fatalf("state = %s, want new (different scope)", res.State)
		}
	})

	t.Run("abandon frees an in-progress claim", func(t *testing.T) {
		if _, err := store.Begin(ctx, "batch.create", "k2", fp, ttl); err != nil {
			t.Fatal(err)
		}
		if err := store.Abandon(ctx, "batch.create", "k2", fp); err != nil {
			t.Fatal(err)
		}
		res, err := store.Begin(ctx, "batch.create", "k2", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateNew {
			t.Fatalf("state = %s, want new after abandon", res.State)
		}
	})

	t.Run("abandon never drops a completed record", func(t *testing.T) {
		if err := store.Abandon(ctx, "batch.create", "k1", fp); err != nil {
			t.Fatal(err)
		}
		res, err := store.Begin(ctx, "batch.create", "k1", fp, ttl)
		if err != nil {
			t.Fatal(err)
		}
		if res.State != StateReplay {
			t.Fatalf("state = %s, completed record must survive abandon", res.State)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLite(t))
}

func TestRedisStore(t *testing.T) {
	store, _ := newRedis(t)
	runStoreSuite(t, store)
}

func TestSQLiteStoreExpiredClaimIsTakenOver(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	fp := Fingerprint([]byte("req"))

	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	if _, err := store.Begin(ctx, "batch.create", "k1", fp, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Within the TTL the claim holds.
	store.now = func() time.Time { return base.Add(30 * time.Minute) }
	res, err := store.Begin(ctx, "batch.create", "k1", fp, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateInProgress {
		t.Fatalf("state = %s, want in_progress before expiry", res.State)
	}

	// After expiry the row is reclaimed, crashed-holder recovery.
	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	res, err = store.Begin(ctx, "batch.create", "k1", fp, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateNew {
		t.Fatalf("state = %s, want new after expiry", res.State)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newRedis(t)
	ctx := context.Background()
	fp := Fingerprint([]byte("req"))

	if _, err := store.Begin(ctx, "batch.create", "k1", fp, time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	res, err := store.Begin(ctx, "batch.create", "k1", fp, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateNew {
		t.Fatalf("state = %s, want new after key expiry", res.State)
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	type req struct {
		Merchant string    `json:"merchant_id"`
		From     time.Time `json:"from"`
		To       time.Time `json:"to"`
	}
	from := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	k1, err := DeriveKey(req{"M-001", from, to})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey(req{"M-001", from, to})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("same request derived different keys: %s vs %s", k1, k2)
	}

	k3, _ := DeriveKey(req{"M-002", from, to})
	if k1 == k3 {
		t.Error("different merchants derived the same key")
	}
}
