package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestCurrentReturnsLatest(t *testing.T) {
	o := New(1)
	if got := o.Current(); got != 1 {
		t.Fatalf("current=%d", got)
	}
	o.Publish(2)
	o.Publish(3)
	if got := o.Current(); got != 3 {
		t.Fatalf("current=%d", got)
	}
}

func TestSubscribeStartsAtCurrent(t *testing.T) {
	o := New("a")
	o.Publish("b")
	s := o.Subscribe()
	defer s.Close()
	v, err := s.Next(testCtx(t))
	if err != nil || v != "b" {
		t.Fatalf("got %q err=%v", v, err)
	}
}

func TestLossyValuesCoalesceNewestWins(t *testing.T) {
	o := New(0)
	s := o.Subscribe()
	defer s.Close()
	for i := 1; i <= 5; i++ {
		o.Publish(i)
	}
	v, err := s.Next(testCtx(t))
	if err != nil || v != 5 {
		t.Fatalf("got %d err=%v", v, err)
	}
	if d := s.Dropped(); d != 5 {
		t.Fatalf("dropped=%d", d)
	}
}

func TestNonLossyValuesAreQueuedInOrder(t *testing.T) {
	// even numbers are lossy, odd numbers must never be merged
	o := New(0, WithLossy(func(v int) bool { return v%2 == 0 }))
	s := o.Subscribe()
	defer s.Close()
	for _, v := range []int{2, 4, 5, 6, 8, 7, 9} {
		o.Publish(v)
	}
	ctx := testCtx(t)
	var got []int
	for i := 0; i < 3; i++ {
		v, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, v)
	}
	// 8 is superseded by 7 before the subscriber reads it
	want := []int{5, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestBacklogEvictsOldest(t *testing.T) {
	o := New(0, WithLossy(func(int) bool { return false }), WithBacklog[int](3))
	s := o.Subscribe()
	defer s.Close()
	for i := 1; i <= 5; i++ {
		o.Publish(i)
	}
	ctx := testCtx(t)
	v, _ := s.Next(ctx)
	if v != 3 {
		t.Fatalf("expected oldest surviving value 3, got %d", v)
	}
}

func TestBacklogKeepsRetainedValues(t *testing.T) {
	o := New(0,
		WithLossy(func(int) bool { return false }),
		WithRetained(func(v int) bool { return v == 100 }),
		WithBacklog[int](2),
	)
	s := o.Subscribe()
	defer s.Close()
	for _, v := range []int{100, 1, 2, 3} {
		o.Publish(v)
	}
	ctx := testCtx(t)
	var got []int
	for range 3 {
		v, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if got[0] != 100 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v, want [100 2 3]", got)
	}
	if d := s.Dropped(); d != 2 {
		t.Fatalf("dropped=%d want 2", d)
	}
}

func TestIndependentCursors(t *testing.T) {
	o := New(0, WithLossy(func(int) bool { return false }))
	a := o.Subscribe()
	defer a.Close()
	o.Publish(1)
	b := o.Subscribe()
	defer b.Close()
	o.Publish(2)
	ctx := testCtx(t)
	var ga, gb []int
	for i := 0; i < 3; i++ {
		v, _ := a.Next(ctx)
		ga = append(ga, v)
	}
	for i := 0; i < 2; i++ {
		v, _ := b.Next(ctx)
		gb = append(gb, v)
	}
	if ga[0] != 0 || ga[2] != 2 || gb[0] != 1 || gb[1] != 2 {
		t.Fatalf("a=%v b=%v", ga, gb)
	}
}

func TestCloseSubscriptionStopsDelivery(t *testing.T) {
	o := New(0)
	s := o.Subscribe()
	if o.Subscribers() != 1 {
		t.Fatalf("subscribers=%d", o.Subscribers())
	}
	s.Close()
	s.Close()
	o.Publish(1)
	if o.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", o.Subscribers())
	}
	if _, err := s.Next(testCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestObservableCloseDrainsQueue(t *testing.T) {
	o := New(0, WithLossy(func(int) bool { return false }))
	s := o.Subscribe()
	o.Publish(1)
	o.Close()
	o.Publish(2)
	ctx := testCtx(t)
	for _, want := range []int{0, 1} {
		v, err := s.Next(ctx)
		if err != nil || v != want {
			t.Fatalf("got %d err=%v want %d", v, err, want)
		}
	}
	if _, err := s.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	late := o.Subscribe()
	if v, err := late.Next(ctx); err != nil || v != 1 {
		t.Fatalf("late subscriber got %d err=%v", v, err)
	}
}

func TestNextHonorsContext(t *testing.T) {
	o := New(0)
	s := o.Subscribe()
	defer s.Close()
	_, _ = s.Next(testCtx(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAllYieldsUntilBreak(t *testing.T) {
	o := New(0, WithLossy(func(int) bool { return false }))
	s := o.Subscribe()
	defer s.Close()
	go func() {
		for i := 1; i <= 10; i++ {
			o.Publish(i)
		}
	}()
	var got []int
	for v := range s.All(testCtx(t)) {
		got = append(got, v)
		if v == 10 {
			break
		}
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestConcurrentSubscribersObserveMonotonicValues(t *testing.T) {
	o := New(0)
	const n = 8
	var wg sync.WaitGroup
	ctx := testCtx(t)
	for i := 0; i < n; i++ {
		s := o.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Close()
			last := -1
			for v := range s.All(ctx) {
				if v < last {
					t.Errorf("value went backwards: %d after %d", v, last)
					return
				}
				last = v
				if v == 1000 {
					return
				}
			}
		}()
	}
	for i := 1; i <= 1000; i++ {
		o.Publish(i)
	}
	wg.Wait()
}
