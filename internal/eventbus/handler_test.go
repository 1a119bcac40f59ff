package eventbus

import (
	"testing"
	"time"
)

func TestHandlerFiresInOrder(t *testing.T) {
	t.Parallel()
	var h Handler[int]
	var got []string
	h.Add(func(v int) { got = append(got, "a") })
	h.Add(func(v int) { got = append(got, "b") })
	h.Add(func(v int) { got = append(got, "c") })

	h.Fire(1)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", got)
	}
}

func TestHandlerAddWithIsIdempotent(t *testing.T) {
	t.Parallel()
	var h Handler[string]
	calls := 0
	tok := NewToken()
	if !h.AddWith(tok, func(string) { calls++ }) {
		t.Fatal("first AddWith should register")
	}
	if h.AddWith(tok, func(string) { calls++ }) {
		t.Fatal("second AddWith with same token should be a no-op")
	}
	h.Fire("x")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if h.AddWith(NewToken(), nil) {
		t.Fatal("nil listener should be rejected")
	}
}

func TestHandlerRemoveAndClear(t *testing.T) {
	t.Parallel()
	var h Handler[int]
	sum := 0
	a := h.Add(func(v int) { sum += v })
	h.Add(func(v int) { sum += 10 * v })

	if !h.Remove(a) {
		t.Fatal("Remove should report registered token")
	}
	if h.Remove(a) {
		t.Fatal("second Remove should report false")
	}
	h.Fire(1)
	if sum != 10 {
		t.Fatalf("sum = %d, want 10", sum)
	}

	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("Len = %d after Clear", h.Len())
	}
	h.Fire(1)
	if sum != 10 {
		t.Fatalf("listener fired after Clear")
	}
}

func TestHandlerRemoveDuringFire(t *testing.T) {
	t.Parallel()
	var h Handler[int]
	var second Token
	calls := 0
	h.Add(func(int) { h.Remove(second) })
	second = h.Add(func(int) { calls++ })

	// The snapshot taken by Fire still includes the second listener.
	h.Fire(0)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	h.Fire(0)
	if calls != 1 {
		t.Fatalf("removed listener fired again")
	}
}

func TestBusFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: TypeJobStarted, Data: "one"})
	b.Publish(Event{Type: TypeJobEnded, Data: "two"})

	select {
	case e := <-ch1:
		if e.Type != TypeJobStarted || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on ch1")
	}
	// Buffer of one: the second publish was dropped for ch1.
	select {
	case e := <-ch1:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
	if len(ch2) != 2 {
		t.Fatalf("ch2 buffered %d events, want 2", len(ch2))
	}

	unsub1()
	unsub1()
	b.Publish(Event{Type: TypeJobRetry})
	if _, ok := <-ch1; ok {
		t.Fatal("ch1 should be closed after unsubscribe")
	}
}
