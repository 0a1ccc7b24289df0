package events

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moltbunker/escrowd/pkg/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(kind types.EventKind, service types.ServiceID) types.Event {
	return types.NewEvent(kind, service, types.NativeAsset)
}

func TestLog_PublishStampsEvents(t *testing.T) {
	l := NewLog(10)
	l.Publish(event(types.EventDepositReceived, 1))
	l.Publish(event(types.EventBeneficiaryPaid, 1))

	got := l.Since(0, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
		if _, err := uuid.Parse(e.ID); err != nil {
			t.Errorf("event %d id %q is not a uuid: %v", i, e.ID, err)
		}
	}
	if got[0].ID == got[1].ID {
		t.Error("event ids must be unique")
	}
	if l.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", l.LastSeq())
	}
}

func TestLog_Since(t *testing.T) {
	l := NewLog(10)
	for i := 0; i < 5; i++ {
		l.Publish(event(types.EventDepositReceived, 1))
	}

	got := l.Since(2, 0)
	if len(got) != 3 || got[0].Seq != 3 {
		t.Fatalf("Since(2) returned %d events starting at %d", len(got), got[0].Seq)
	}
	if got := l.Since(2, 2); len(got) != 2 || got[1].Seq != 4 {
		t.Errorf("Since(2, 2) returned %+v", got)
	}
	if got := l.Since(5, 0); len(got) != 0 {
		t.Errorf("Since(last) returned %d events", len(got))
	}
}

func TestLog_Capacity(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Publish(event(types.EventDepositReceived, 1))
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got := l.Since(0, 0)
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("retained seqs %d..%d, want 3..5", got[0].Seq, got[2].Seq)
	}
}

func TestLog_Filter(t *testing.T) {
	l := NewLog(10)
	l.Publish(event(types.EventDepositReceived, 1))
	l.Publish(event(types.EventDepositReceived, 2))
	l.Publish(event(types.EventFeesWithdrawn, 1))
	l.Publish(event(types.EventDepositReceived, 1))

	got := l.Filter(types.EventDepositReceived, 1, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 4 {
		t.Errorf("filtered seqs %d, %d", got[0].Seq, got[1].Seq)
	}
	if got := l.Filter("", 0, 1); len(got) != 1 || got[0].Seq != 4 {
		t.Errorf("limit should keep the newest event, got %+v", got)
	}
}

func TestLog_Subscribe(t *testing.T) {
	l := NewLog(10)
	ch, cancel := l.Subscribe()
	defer cancel()

	l.Publish(event(types.EventRefundWithdrawn, 3))

	select {
	case e := <-ch:
		if e.Kind != types.EventRefundWithdrawn || e.Seq != 1 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestLog_UnsubscribeClosesChannel(t *testing.T) {
	l := NewLog(10)
	ch, cancel := l.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	l.Publish(event(types.EventDepositReceived, 1))
}

func TestLog_LaggingSubscriberDoesNotBlock(t *testing.T) {
	l := NewLog(10)
	_, cancel := l.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		l.Publish(event(types.EventDepositReceived, 1))
	}
	if l.Dropped() != 5 {
		t.Errorf("Dropped = %d, want 5", l.Dropped())
	}
}

func TestLog_ConcurrentPublish(t *testing.T) {
	l := NewLog(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Publish(event(types.EventDepositReceived, 1))
			}
		}()
	}
	wg.Wait()

	got := l.Since(0, 0)
	if len(got) != 500 {
		t.Fatalf("expected 500 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, e.Seq)
		}
	}
}

func TestFanout(t *testing.T) {
	var a, b []types.EventKind
	f := Fanout{
		SinkFunc(func(e types.Event) { a = append(a, e.Kind) }),
		nil,
		SinkFunc(func(e types.Event) { b = append(b, e.Kind) }),
	}
	f.Publish(event(types.EventSweptToFulfiller, 1))
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("fanout delivered %d and %d events", len(a), len(b))
	}
}
