package diag_test

import (
	"fmt"
	"testing"

	"github.com/seantiz/kiln/internal/diag"
	"github.com/seantiz/kiln/internal/model"
)

func line(session string, worker int, msg string) model.DiagnosticLine {
	return model.DiagnosticLine{
		SessionID: session,
		WorkerID:  worker,
		Kind:      model.DiagnosticDebug,
		Message:   msg,
	}
}

func drain(ch <-chan model.DiagnosticLine) []string {
	var got []string
	for l := range ch {
		got = append(got, l.Message)
	}
	return got
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := diag.NewBroker()
	ch, unsub := b.Subscribe("s1")
	defer unsub()

	msgs := []string{"processing: 1 on thread 0", "processing: 2 on thread 1", "processing: 3 on thread 0"}
	for i, m := range msgs {
		b.Publish(line("s1", i%2, m))
	}
	b.Close("s1")

	got := drain(ch)
	if len(got) != len(msgs) {
		t.Fatalf("got %d lines, want %d", len(got), len(msgs))
	}
	for i := range got {
		if got[i] != msgs[i] {
			t.Errorf("line[%d] = %q, want %q", i, got[i], msgs[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := diag.NewBroker()
	ch1, unsub1 := b.Subscribe("s1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("s1")
	defer unsub2()

	b.Publish(line("s1", 0, "hello"))
	b.Close("s1")

	got1, got2 := drain(ch1), drain(ch2)
	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestBrokerSessionsAreIsolated(t *testing.T) {
	b := diag.NewBroker()
	ch1, unsub1 := b.Subscribe("s1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("s2")
	defer unsub2()

	b.Publish(line("s1", 0, "one"))
	b.Publish(line("s2", 0, "two"))
	b.Close("s1")
	b.Close("s2")

	if got := drain(ch1); len(got) != 1 || got[0] != "one" {
		t.Errorf("s1 got %v, want [one]", got)
	}
	if got := drain(ch2); len(got) != 1 || got[0] != "two" {
		t.Errorf("s2 got %v, want [two]", got)
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := diag.NewBroker()
	b.Open("s1")
	b.Publish(line("s1", 0, "early"))
	b.Close("s1")

	ch, unsub := b.Subscribe("s1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := diag.NewBroker()
	ch, unsub := b.Subscribe("s1")
	unsub()

	b.Publish(line("s1", 0, "after unsub"))
	b.Close("s1")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l.Message)
		}
	default:
	}
	if n := b.Subscribers("s1"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestBrokerPublishToUnknownSessionIsNoop(t *testing.T) {
	b := diag.NewBroker()
	b.Publish(line("nonexistent", 0, "line"))
	b.Close("nonexistent")
}

func TestBrokerSlowSubscriberDropsLines(t *testing.T) {
	b := diag.NewBroker()
	ch, unsub := b.Subscribe("s1")
	defer unsub()

	for range 200 {
		b.Publish(line("s1", 0, "spam"))
	}
	b.Close("s1")

	got := drain(ch)
	if len(got) != 64 {
		t.Errorf("buffered %d lines, want 64", len(got))
	}
}

func TestBrokerPrunesOldClosedSessions(t *testing.T) {
	b := diag.NewBroker()
	b.Open("live")

	for i := range 300 {
		id := fmt.Sprintf("s%d", i)
		b.Open(id)
		b.Close(id)
	}

	if got := b.Topics(); got != 257 {
		t.Errorf("Topics() = %d, want 257 (256 closed markers + 1 live)", got)
	}

	ch, unsub := b.Subscribe("s299")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("recently closed session should still give a closed channel")
	}

	live, unsubLive := b.Subscribe("live")
	defer unsubLive()
	b.Publish(line("live", 0, "still here"))
	if got := <-live; got.Message != "still here" {
		t.Errorf("live message = %q, want %q", got.Message, "still here")
	}
}

func TestBrokerCloseTwiceKeepsOneMarker(t *testing.T) {
	b := diag.NewBroker()
	b.Open("s1")
	b.Close("s1")
	b.Close("s1")

	if got := b.Topics(); got != 1 {
		t.Errorf("Topics() = %d, want 1", got)
	}
}
