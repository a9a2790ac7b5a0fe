package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/iox"
	"github.com/zral/mongo-crud-api-sub001/log"
)

func testManager(t *testing.T, instanceID string) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := coord.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(iox.CloseFunc(c))
	return NewManager(c, log.Nop(), instanceID), mr
}

func sharedManagers(t *testing.T, mr *miniredis.Miniredis, instanceID string) *Manager {
	t.Helper()
	c, err := coord.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(iox.CloseFunc(c))
	return NewManager(c, log.Nop(), instanceID)
}

func TestAcquire_MutualExclusion(t *testing.T) {
	a, mr := testManager(t, "instance-a")
	b := sharedManagers(t, mr, "instance-b")

	la, err := a.Acquire(testContext(t), "orders", time.Minute)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if la == nil {
		t.Fatal("a should acquire a free lock")
	}

	lb, err := b.Acquire(testContext(t), "orders", time.Minute)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if lb != nil {
		t.Fatal("b must not acquire a held lock")
	}
}

func TestAcquire_Race(t *testing.T) {
	// Two clients racing for the same key: exactly one wins.
	a, mr := testManager(t, "instance-a")
	b := sharedManagers(t, mr, "instance-b")

	var (
		wg   sync.WaitGroup
		wins [2]*Lock
	)
	for i, mgr := range []*Manager{a, b} {
		wg.Add(1)
		go func(slot int, m *Manager) {
			defer wg.Done()
			l, err := m.Acquire(testContext(t), "race", time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			wins[slot] = l
		}(i, mgr)
	}
	wg.Wait()

	got := 0
	for _, l := range wins {
		if l != nil {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestAcquire_AfterExpiry(t *testing.T) {
	a, mr := testManager(t, "instance-a")
	b := sharedManagers(t, mr, "instance-b")

	if _, err := a.Acquire(testContext(t), "k", 50*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(100 * time.Millisecond)

	lb, err := b.Acquire(testContext(t), "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if lb == nil {
		t.Fatal("b should acquire after TTL expiry")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m, _ := testManager(t, "instance-a")

	l, err := m.Acquire(testContext(t), "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := l.Release(testContext(t))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !ok {
		t.Fatal("first release should delete")
	}

	ok, err = l.Release(testContext(t))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("second release must report false")
	}
}

func TestRelease_DoesNotDeleteForeignValue(t *testing.T) {
	a, mr := testManager(t, "instance-a")
	b := sharedManagers(t, mr, "instance-b")

	la, err := a.Acquire(testContext(t), "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// a's lock expires and b takes over.
	mr.FastForward(100 * time.Millisecond)
	lb, err := b.Acquire(testContext(t), "k", time.Minute)
	if err != nil || lb == nil {
		t.Fatalf("b acquire: %v %v", lb, err)
	}

	// a's delayed release must not delete b's lock.
	ok, err := la.Release(testContext(t))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("stale holder must not delete current owner's lock")
	}

	info, err := b.Inspect(testContext(t), "k")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info == nil || info.Owner != "instance-b" {
		t.Fatalf("b should still own the lock, got %+v", info)
	}
}

func TestExtend(t *testing.T) {
	m, mr := testManager(t, "instance-a")

	l, err := m.Acquire(testContext(t), "k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := l.Extend(testContext(t), time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	mr.FastForward(time.Second)
	info, err := m.Inspect(testContext(t), "k")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info == nil {
		t.Fatal("lock should survive after extension")
	}
}

func TestExtend_AfterLoss(t *testing.T) {
	m, mr := testManager(t, "instance-a")

	l, err := m.Acquire(testContext(t), "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(100 * time.Millisecond)

	if err := l.Extend(testContext(t), time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	a, mr := testManager(t, "instance-a")
	b := sharedManagers(t, mr, "instance-b")

	if _, err := a.Acquire(testContext(t), "k", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	info, err := a.Inspect(testContext(t), "k")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Owner != "instance-a" || !info.Mine {
		t.Errorf("unexpected info %+v", info)
	}

	info, err = b.Inspect(testContext(t), "k")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Mine {
		t.Error("lock should not be b's")
	}

	info, err = a.Inspect(testContext(t), "missing")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info != nil {
		t.Error("missing key should inspect as nil")
	}
}

func TestWithPrefix(t *testing.T) {
	m, _ := testManager(t, "instance-a")
	cron := m.WithPrefix("cron_lock:")

	if _, err := m.Acquire(testContext(t), "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l, err := cron.Acquire(testContext(t), "s1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l == nil {
		t.Fatal("prefixed namespaces must not collide")
	}

	held, err := cron.Held(testContext(t))
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(held) != 1 || held[0] != "s1" {
		t.Errorf("expected [s1], got %v", held)
	}
}
