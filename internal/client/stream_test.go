package client

import (
	"testing"

	"github.com/fwdslsh/dispatch/internal/domain"
)

func seqs(events []domain.SessionEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

func ev(seq int64) domain.SessionEvent {
	return domain.SessionEvent{RunID: "run-1", Seq: seq}
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSeqTrackerHoldsLiveEventsUntilCatchUp(t *testing.T) {
	tr := newSeqTracker(0)

	if out := tr.live(ev(3)); len(out) != 0 {
		t.Fatalf("live event delivered before catch-up: %v", seqs(out))
	}
	if out := tr.live(ev(4)); len(out) != 0 {
		t.Fatalf("live event delivered before catch-up: %v", seqs(out))
	}

	// The catch-up read overlapped with the buffered live events.
	out := tr.catchUp([]domain.SessionEvent{ev(1), ev(2), ev(3)})
	if got := seqs(out); !equalSeqs(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("unexpected merged sequence: %v", got)
	}

	if out := tr.live(ev(4)); len(out) != 0 {
		t.Fatalf("duplicate delivered: %v", seqs(out))
	}
	if got := seqs(tr.live(ev(5))); !equalSeqs(got, []int64{5}) {
		t.Fatalf("expected seq 5, got %v", got)
	}
}

func TestSeqTrackerSkipsEventsAtOrBelowCursor(t *testing.T) {
	tr := newSeqTracker(10)
	out := tr.catchUp([]domain.SessionEvent{ev(9), ev(10), ev(11)})
	if got := seqs(out); !equalSeqs(got, []int64{11}) {
		t.Fatalf("unexpected events: %v", got)
	}
}
