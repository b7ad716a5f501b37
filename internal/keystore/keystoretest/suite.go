// Package keystoretest holds the behavioural suite shared by every
// keystore.Store implementation.
package keystoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/keyd/internal/keystore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) keystore.Store

var epoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func record(key, origin string, now time.Time) keystore.Record {
	return keystore.Record{
		Key:            key,
		IssuedToOrigin: keystore.StringPtr(origin),
		ExpiresAt:      now.Add(24 * time.Hour),
		CreatedAt:      now,
	}
}

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("InsertAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-aaaaaaaaaaaaaaaa", "10.0.0.1", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		rec, err := store.Get(ctx, "KEY-aaaaaaaaaaaaaaaa")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Claimed() || rec.Used || rec.Origin() != "10.0.0.1" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if !rec.ExpiresAt.Equal(epoch.Add(24 * time.Hour)) {
			t.Fatalf("unexpected expiry %v", rec.ExpiresAt)
		}
		if _, err := store.Get(ctx, "KEY-missingmissing00"); !errors.Is(err, keystore.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-dupdupdupdupdup00", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Insert(ctx, record("KEY-dupdupdupdupdup00", "", epoch), epoch); !errors.Is(err, keystore.ErrDuplicateKey) {
			t.Fatalf("expected duplicate key, got %v", err)
		}
	})

	t.Run("DuplicateKeyReleasesOrigin", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-collidecollide00", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Insert(ctx, record("KEY-collidecollide00", "192.0.2.7", epoch), epoch); !errors.Is(err, keystore.ErrDuplicateKey) {
			t.Fatalf("expected duplicate key, got %v", err)
		}
		if err := store.Insert(ctx, record("KEY-freshfreshfresh0", "192.0.2.7", epoch), epoch); err != nil {
			t.Fatalf("origin should be free after failed insert: %v", err)
		}
	})

	t.Run("OriginThrottle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-origin1origin100", "198.51.100.1", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		later := epoch.Add(time.Hour)
		if err := store.Insert(ctx, record("KEY-origin1origin101", "198.51.100.1", later), later); !errors.Is(err, keystore.ErrOriginThrottled) {
			t.Fatalf("expected throttle, got %v", err)
		}
		if err := store.Insert(ctx, record("KEY-origin2origin200", "198.51.100.2", later), later); err != nil {
			t.Fatalf("other origin should succeed: %v", err)
		}
		afterExpiry := epoch.Add(24*time.Hour + time.Second)
		if err := store.Insert(ctx, record("KEY-origin1origin102", "198.51.100.1", afterExpiry), afterExpiry); err != nil {
			t.Fatalf("origin should be free after expiry: %v", err)
		}
	})

	t.Run("ConcurrentIssueSameOrigin", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			throttled int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.Insert(ctx, record(fmt.Sprintf("KEY-concurrent%06d", i), "203.0.113.9", epoch), epoch)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, keystore.ErrOriginThrottled):
					throttled++
				default:
					t.Errorf("unexpected insert error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if ok != 1 || throttled != 19 {
			t.Fatalf("expected 1 success and 19 throttled, got %d/%d", ok, throttled)
		}
	})

	t.Run("BindOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-bindbindbindbind0", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Bind(ctx, "KEY-bindbindbindbind0", "C1", epoch); err != nil {
			t.Fatalf("bind: %v", err)
		}
		for _, client := range []string{"C1", "C2"} {
			if err := store.Bind(ctx, "KEY-bindbindbindbind0", client, epoch); !errors.Is(err, keystore.ErrAlreadyClaimed) {
				t.Fatalf("expected already claimed for %s, got %v", client, err)
			}
		}
		rec, err := store.Get(ctx, "KEY-bindbindbindbind0")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.ClientID() != "C1" {
			t.Fatalf("binding overwritten: %+v", rec)
		}
		if err := store.Bind(ctx, "KEY-nosuchkeynosuch0", "C1", epoch); !errors.Is(err, keystore.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := store.Get(ctx, "KEY-nosuchkeynosuch0"); !errors.Is(err, keystore.ErrNotFound) {
			t.Fatalf("bind must not create records, got %v", err)
		}
	})

	t.Run("BindExpired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-stalestalestale0", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		late := epoch.Add(25 * time.Hour)
		if err := store.Bind(ctx, "KEY-stalestalestale0", "C1", late); !errors.Is(err, keystore.ErrNotFound) {
			t.Fatalf("expected not found for expired key, got %v", err)
		}
	})

	t.Run("ConcurrentBind", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-racebindracebind", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				client := fmt.Sprintf("C%d", i)
				err := store.Bind(ctx, "KEY-racebindracebind", client, epoch)
				if err == nil {
					mu.Lock()
					wins = append(wins, client)
					mu.Unlock()
				} else if !errors.Is(err, keystore.ErrAlreadyClaimed) {
					t.Errorf("unexpected bind error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if len(wins) != 1 {
			t.Fatalf("expected exactly one bind winner, got %v", wins)
		}
		rec, err := store.Get(ctx, "KEY-racebindracebind")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.ClientID() != wins[0] {
			t.Fatalf("stored client %q does not match winner %q", rec.ClientID(), wins[0])
		}
	})

	t.Run("MarkUsedOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-useuseuseuseuse0", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-useuseuseuseuse0", "C1", epoch); !errors.Is(err, keystore.ErrNotEligible) {
			t.Fatalf("unclaimed key must not verify, got %v", err)
		}
		if err := store.Bind(ctx, "KEY-useuseuseuseuse0", "C1", epoch); err != nil {
			t.Fatalf("bind: %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-useuseuseuseuse0", "C2", epoch); !errors.Is(err, keystore.ErrNotEligible) {
			t.Fatalf("mismatched client must not verify, got %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-useuseuseuseuse0", "C1", epoch); err != nil {
			t.Fatalf("mark used: %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-useuseuseuseuse0", "C1", epoch); !errors.Is(err, keystore.ErrNotEligible) {
			t.Fatalf("second use must fail, got %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-nosuchkeynosuch0", "C1", epoch); err == nil {
			t.Fatal("missing key must not verify")
		}
	})

	t.Run("MarkUsedExpired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-expiredexpired0", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Bind(ctx, "KEY-expiredexpired0", "C1", epoch); err != nil {
			t.Fatalf("bind: %v", err)
		}
		if err := store.MarkUsed(ctx, "KEY-expiredexpired0", "C1", epoch.Add(24*time.Hour)); !errors.Is(err, keystore.ErrNotEligible) {
			t.Fatalf("expired key must not verify, got %v", err)
		}
	})

	t.Run("ConcurrentMarkUsed", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-raceuseraceuse00", "", epoch), epoch); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Bind(ctx, "KEY-raceuseraceuse00", "C1", epoch); err != nil {
			t.Fatalf("bind: %v", err)
		}
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			valid int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.MarkUsed(ctx, "KEY-raceuseraceuse00", "C1", epoch)
				if err == nil {
					mu.Lock()
					valid++
					mu.Unlock()
				} else if !errors.Is(err, keystore.ErrNotEligible) {
					t.Errorf("unexpected mark used error: %v", err)
				}
			}()
		}
		wg.Wait()
		if valid != 1 {
			t.Fatalf("expected exactly one successful use, got %d", valid)
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, record("KEY-oldoldoldoldold00", "192.0.2.1", epoch), epoch); err != nil {
			t.Fatalf("insert old: %v", err)
		}
		newer := epoch.Add(12 * time.Hour)
		if err := store.Insert(ctx, record("KEY-newnewnewnewnew00", "192.0.2.2", newer), newer); err != nil {
			t.Fatalf("insert new: %v", err)
		}
		if err := store.Bind(ctx, "KEY-oldoldoldoldold00", "C1", epoch); err != nil {
			t.Fatalf("bind: %v", err)
		}
		if n, err := store.DeleteExpired(ctx, epoch.Add(24*time.Hour)); err != nil || n != 0 {
			t.Fatalf("record expiring exactly now must survive, n=%d err=%v", n, err)
		}
		sweep := epoch.Add(24*time.Hour + time.Minute)
		n, err := store.DeleteExpired(ctx, sweep)
		if err != nil {
			t.Fatalf("delete expired: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 removal, got %d", n)
		}
		if _, err := store.Get(ctx, "KEY-oldoldoldoldold00"); !errors.Is(err, keystore.ErrNotFound) {
			t.Fatalf("expected expired record gone, got %v", err)
		}
		if _, err := store.Get(ctx, "KEY-newnewnewnewnew00"); err != nil {
			t.Fatalf("live record must survive: %v", err)
		}
		if err := store.Insert(ctx, record("KEY-againagainagain0", "192.0.2.1", sweep), sweep); err != nil {
			t.Fatalf("origin must be reusable after sweep: %v", err)
		}
	})
}
