package engine_test

import (
	"testing"

	"github.com/seantiz/infergate/internal/engine"
	"github.com/seantiz/infergate/internal/model"
)

func TestBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(model.Result{ID: "r1", Status: model.StatusDone})

	got, ok := <-ch
	if !ok {
		t.Fatal("channel closed before delivering result")
	}
	if got.Status != model.StatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after delivery")
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish(model.Result{ID: "r1", Status: model.StatusFailed, Error: "boom"})

	for i, ch := range []<-chan model.Result{ch1, ch2} {
		got := <-ch
		if got.Error != "boom" {
			t.Errorf("subscriber %d got %+v", i+1, got)
		}
	}
}

func TestBrokerIsolatesIDs(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(model.Result{ID: "r2", Status: model.StatusDone})

	select {
	case r := <-ch:
		t.Errorf("got result for %q on r1 subscription", r.ID)
	default:
	}
}

func TestBrokerUnsubscribeRemovesTopic(t *testing.T) {
	b := engine.NewBroker()
	_, unsub := b.Subscribe("r1")
	if n := b.Subscribers("r1"); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}
	unsub()
	if n := b.Subscribers("r1"); n != 0 {
		t.Errorf("Subscribers after unsubscribe = %d, want 0", n)
	}
	// Calling unsubscribe twice or after publish must not panic.
	unsub()
}

func TestBrokerPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := engine.NewBroker()
	b.Publish(model.Result{ID: "nobody", Status: model.StatusDone})
	if n := b.Subscribers("nobody"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestBrokerUnsubscribeAfterPublish(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("r1")
	b.Publish(model.Result{ID: "r1", Status: model.StatusDone})
	<-ch

	// A new subscription for the same id must survive the stale unsubscribe.
	_, unsub2 := b.Subscribe("r1")
	defer unsub2()
	unsub()
	if n := b.Subscribers("r1"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
}
