package election

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/iox"
	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
)

func elector(t *testing.T, mr *miniredis.Miniredis, instanceID string, cfg Config) *Elector {
	t.Helper()
	c, err := coord.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(iox.CloseFunc(c))
	return New("cron", lock.NewManager(c, log.Nop(), instanceID), log.Nop(), cfg)
}

func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected state %v, got %v", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

func TestElection_SingleLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{TTL: time.Second, RetryInterval: 50 * time.Millisecond}

	a := elector(t, mr, "instance-a", cfg)
	b := elector(t, mr, "instance-b", cfg)

	go a.Run(testContext(t))
	waitState(t, a.Events(), Acquired)

	go b.Run(testContext(t))
	defer b.Stop()
	defer a.Stop()

	// Give b a few election rounds; it must not become leader.
	time.Sleep(200 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("two leaders for the same service")
	}
	if !a.IsLeader() {
		t.Fatal("a should still be leader")
	}
}

func TestElection_HandoverOnResign(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{TTL: time.Second, RetryInterval: 50 * time.Millisecond}

	a := elector(t, mr, "instance-a", cfg)
	b := elector(t, mr, "instance-b", cfg)

	go a.Run(testContext(t))
	waitState(t, a.Events(), Acquired)

	go b.Run(testContext(t))
	defer b.Stop()

	a.Stop()
	waitState(t, a.Events(), Resigned)

	// b should pick up the freed lease within a retry interval.
	waitState(t, b.Events(), Acquired)
	if !b.IsLeader() {
		t.Fatal("b should take over after a resigns")
	}
}

func TestElection_HandoverOnExpiry(t *testing.T) {
	// Simulated crash: a's lease is left behind with no renewal loop and
	// no release, and expires.
	mr := miniredis.RunT(t)

	c, err := coord.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(iox.CloseFunc(c))
	crashed := lock.NewManager(c, log.Nop(), "instance-a").WithPrefix(Prefix)
	if _, err := crashed.Acquire(testContext(t), "cron", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	b := elector(t, mr, "instance-b", Config{TTL: time.Second, RetryInterval: 50 * time.Millisecond})
	go b.Run(testContext(t))
	defer b.Stop()
	waitState(t, b.Events(), Acquired)
}

func TestElection_StatusReportsHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{TTL: time.Second, RetryInterval: 50 * time.Millisecond}

	a := elector(t, mr, "instance-a", cfg)
	b := elector(t, mr, "instance-b", cfg)

	go a.Run(testContext(t))
	defer a.Stop()
	waitState(t, a.Events(), Acquired)

	st := b.Status(testContext(t))
	if st.Leader {
		t.Error("b is not the leader")
	}
	if st.LeaderID != "instance-a" {
		t.Errorf("expected holder instance-a, got %q", st.LeaderID)
	}
}

func TestRenewIntervalConfigurable(t *testing.T) {
	mr := miniredis.RunT(t)

	e := elector(t, mr, "instance-a", Config{TTL: 10 * time.Second, RenewInterval: 2 * time.Second})
	if e.cfg.RenewInterval != 2*time.Second {
		t.Errorf("configured renew interval dropped, got %v", e.cfg.RenewInterval)
	}

	// An interval that would allow the lease to lapse is clamped to TTL/2.
	e = elector(t, mr, "instance-a", Config{TTL: 10 * time.Second, RenewInterval: 8 * time.Second})
	if e.cfg.RenewInterval != 5*time.Second {
		t.Errorf("oversized renew interval should clamp to TTL/2, got %v", e.cfg.RenewInterval)
	}

	e = elector(t, mr, "instance-a", Config{TTL: 10 * time.Second})
	if e.cfg.RenewInterval != 5*time.Second {
		t.Errorf("default renew interval should be TTL/2, got %v", e.cfg.RenewInterval)
	}
}
