package atmodem

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStore_InitialState(t *testing.T) {
	s := NewStore(0)
	got := s.Snapshot()
	if got.SocketConnected || got.NetworkConnected || got.RSSI != 0 {
		t.Fatalf("unexpected initial state %+v", got)
	}
	if got.Log == nil || len(got.Log) != 0 {
		t.Fatalf("log=%v want empty non-nil", got.Log)
	}
	if got.LastUpdateUTC != "" {
		t.Fatalf("last_update=%q want empty", got.LastUpdateUTC)
	}
}

func TestStore_ApplyEvents(t *testing.T) {
	s := NewStore(DefaultLogLines)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Apply(SocketConnected{Connected: true})
	s.Apply(NetworkConnected{Joined: true})
	s.Apply(RSSIReport{Value: -42})
	s.Apply(LogAppend{Line: "Rssi -42\r"})

	got := s.Snapshot()
	if !got.SocketConnected || !got.NetworkConnected {
		t.Fatalf("flags=%+v", got)
	}
	if got.RSSI != -42 {
		t.Fatalf("rssi=%d want -42", got.RSSI)
	}
	if len(got.Log) != 1 || got.Log[0] != "Rssi -42\r" {
		t.Fatalf("log=%q", got.Log)
	}
	if got.LastUpdateUTC != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("last_update=%q", got.LastUpdateUTC)
	}
	if !s.Connected() {
		t.Fatalf("Connected()=false")
	}

	s.Apply(NetworkConnected{Joined: false})
	if s.Snapshot().NetworkConnected {
		t.Fatalf("network flag not cleared")
	}
}

func TestStore_LogKeepsLastLines(t *testing.T) {
	s := NewStore(DefaultLogLines)
	for i := 0; i < 60; i++ {
		s.Apply(LogAppend{Line: fmt.Sprintf("line %d", i)})
	}
	got := s.Snapshot()
	if len(got.Log) != DefaultLogLines {
		t.Fatalf("len(log)=%d want %d", len(got.Log), DefaultLogLines)
	}
	if got.Log[0] != "line 10" || got.Log[len(got.Log)-1] != "line 59" {
		t.Fatalf("log window=%q..%q", got.Log[0], got.Log[len(got.Log)-1])
	}
	if got.LinesTotal != 60 || got.LinesDropped != 10 {
		t.Fatalf("total=%d dropped=%d", got.LinesTotal, got.LinesDropped)
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore(4)
	s.Apply(LogAppend{Line: "a"})
	snap := s.Snapshot()
	snap.Log[0] = "mutated"
	if s.Snapshot().Log[0] != "a" {
		t.Fatalf("snapshot aliases store log")
	}
}

func TestStore_ClassifiedMalformedLineLeavesRSSI(t *testing.T) {
	s := NewStore(DefaultLogLines)
	s.Apply(RSSIReport{Value: -30})
	events, err := Classify("Rssi abc")
	if err == nil {
		t.Fatalf("expected error")
	}
	s.ApplyAll(events)
	got := s.Snapshot()
	if got.RSSI != -30 {
		t.Fatalf("rssi=%d want -30", got.RSSI)
	}
	if len(got.Log) != 1 || got.Log[0] != "Rssi abc" {
		t.Fatalf("log=%q", got.Log)
	}
}

func TestStore_SubscribeDeliversCurrentAndUpdates(t *testing.T) {
	s := NewStore(DefaultLogLines)
	s.Apply(RSSIReport{Value: -10})

	id, ch := s.Subscribe(4)
	first := <-ch
	if first.RSSI != -10 {
		t.Fatalf("first rssi=%d want -10", first.RSSI)
	}

	s.Apply(RSSIReport{Value: -20})
	select {
	case got := <-ch:
		if got.RSSI != -20 {
			t.Fatalf("rssi=%d want -20", got.RSSI)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for update")
	}

	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestStore_SlowSubscriberGetsLatest(t *testing.T) {
	s := NewStore(DefaultLogLines)
	id, ch := s.Subscribe(1)
	defer s.Unsubscribe(id)
	<-ch

	for i := 1; i <= 5; i++ {
		s.Apply(RSSIReport{Value: -i})
	}
	got := <-ch
	if got.RSSI != -5 {
		t.Fatalf("rssi=%d want -5", got.RSSI)
	}
}

func TestStore_SubscribeDuringApplyDeliversLatest(t *testing.T) {
	s := NewStore(DefaultLogLines)
	for round := 0; round < 200; round++ {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func(base int) {
			defer close(done)
			for i := 1; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				s.Apply(RSSIReport{Value: -(base + i)})
			}
		}(round * 100000)

		subscribed := make(chan int, 1)
		var ch <-chan State
		go func() {
			var id int
			id, ch = s.Subscribe(1)
			subscribed <- id
		}()
		var id int
		select {
		case id = <-subscribed:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: Subscribe did not return", round)
		}
		close(stop)
		<-done

		var last State
		got := 0
		for drained := false; !drained; {
			select {
			case st := <-ch:
				last = st
				got++
			default:
				drained = true
			}
		}
		if got == 0 {
			t.Fatalf("round %d: no snapshot delivered", round)
		}
		if want := s.Snapshot().RSSI; last.RSSI != want {
			t.Fatalf("round %d: last delivered rssi=%d want %d", round, last.RSSI, want)
		}
		s.Unsubscribe(id)
	}
}

func TestStore_ConcurrentApplyIsSerialized(t *testing.T) {
	const (
		writers = 8
		perW    = 100
	)
	s := NewStore(DefaultLogLines)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				s.Apply(LogAppend{Line: fmt.Sprintf("w%d-%d", w, i)})
				s.Apply(RSSIReport{Value: -i})
			}
		}(w)
	}
	wg.Wait()

	got := s.Snapshot()
	if got.LinesTotal != writers*perW {
		t.Fatalf("lines_total=%d want %d", got.LinesTotal, writers*perW)
	}
	if len(got.Log) != DefaultLogLines {
		t.Fatalf("len(log)=%d want %d", len(got.Log), DefaultLogLines)
	}
	if got.LinesDropped != writers*perW-DefaultLogLines {
		t.Fatalf("lines_dropped=%d want %d", got.LinesDropped, writers*perW-DefaultLogLines)
	}
	// Each writer's lines stay in the order it appended them.
	lastSeen := make(map[int]int)
	for _, line := range got.Log {
		var w, i int
		if _, err := fmt.Sscanf(line, "w%d-%d", &w, &i); err != nil {
			t.Fatalf("unexpected log line %q", line)
		}
		if prev, ok := lastSeen[w]; ok && i <= prev {
			t.Fatalf("writer %d lines out of order: %d after %d", w, i, prev)
		}
		lastSeen[w] = i
	}
}
