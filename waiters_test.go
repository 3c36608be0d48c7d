package senka

import "testing"

func TestPeerVersionsObserveMaxMerges(t *testing.T) {
	pv := newPeerVersions()
	if _, ok := pv.latestSeen("a"); ok {
		t.Fatalf("unexpected entry before any observation")
	}

	pv.observe("a", 3)
	pv.observe("a", 1) // reordered delivery must not regress
	if v, ok := pv.latestSeen("a"); !ok || v != 3 {
		t.Fatalf("latestSeen = %d,%v, want 3,true", v, ok)
	}
}

func TestPeerVersionsWaiterFiresAtOrBelow(t *testing.T) {
	pv := newPeerVersions()

	w2 := pv.addWaiter("a", 2)
	w5 := pv.addWaiter("a", 5)
	wb := pv.addWaiter("b", 1)
	if w2 == nil || w5 == nil || wb == nil {
		t.Fatalf("waiters unexpectedly satisfied")
	}

	pv.observe("a", 3)

	select {
	case <-w2.ch:
	default:
		t.Fatalf("waiter for (a,2) not fired by observe(a,3)")
	}
	select {
	case <-w5.ch:
		t.Fatalf("waiter for (a,5) fired early")
	default:
	}
	select {
	case <-wb.ch:
		t.Fatalf("waiter for peer b fired on a's observation")
	default:
	}

	pv.dropWaiter("a", 2, w2)
	pv.dropWaiter("a", 5, w5)
	pv.dropWaiter("b", 1, wb)
	if n := pv.waiterCount(); n != 0 {
		t.Fatalf("%d waiters leaked", n)
	}
}

func TestPeerVersionsAddWaiterAlreadySatisfied(t *testing.T) {
	pv := newPeerVersions()
	pv.observe("a", 4)
	if w := pv.addWaiter("a", 4); w != nil {
		t.Fatalf("expected nil waiter when already satisfied")
	}
	if !pv.satisfied("a", 4) || pv.satisfied("a", 5) {
		t.Fatalf("satisfied thresholds wrong")
	}
}

func TestWakeableFiresOnce(t *testing.T) {
	w := newWakeable()
	w.fire()
	w.fire() // second fire must not close twice
	select {
	case <-w.ch:
	default:
		t.Fatalf("wakeable not fired")
	}
}

func TestSyncTablesFromResolveAndDuplicate(t *testing.T) {
	st := newSyncTables()
	qid, w := st.registerFrom()
	if qid != 1 {
		t.Fatalf("first qid = %d", qid)
	}

	if !st.resolveFrom(qid, 7) {
		t.Fatalf("first resolve rejected")
	}
	if st.resolveFrom(qid, 9) {
		t.Fatalf("duplicate resolve accepted")
	}
	if got := <-w.ch; got != 7 {
		t.Fatalf("delivered version = %d, want first reply's 7", got)
	}

	st.dropFrom(qid)
	if st.resolveFrom(qid, 7) {
		t.Fatalf("resolve after drop accepted")
	}
	if f, _ := st.pending(); f != 0 {
		t.Fatalf("%d from-waiters leaked", f)
	}
}

func TestSyncTablesToResolve(t *testing.T) {
	st := newSyncTables()
	qid, w := st.registerTo()

	if st.resolveTo(qid + 1) {
		t.Fatalf("unknown qid resolved")
	}
	if !st.resolveTo(qid) {
		t.Fatalf("resolve rejected")
	}
	if st.resolveTo(qid) {
		t.Fatalf("duplicate resolve accepted")
	}
	select {
	case <-w.ch:
	default:
		t.Fatalf("sync-to waiter not fired")
	}

	st.dropTo(qid)
	if _, to := st.pending(); to != 0 {
		t.Fatalf("%d to-waiters leaked", to)
	}
}

func TestSyncTablesIndependentCounters(t *testing.T) {
	st := newSyncTables()
	f1, _ := st.registerFrom()
	t1, _ := st.registerTo()
	f2, _ := st.registerFrom()
	if f1 != 1 || f2 != 2 || t1 != 1 {
		t.Fatalf("counters not independent: from=%d,%d to=%d", f1, f2, t1)
	}
}
