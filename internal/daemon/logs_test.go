package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogBroadcasterDefaultHistorySize(t *testing.T) {
	lb := NewLogBroadcaster(0)
	if lb.maxHist != DefaultLogHistory {
		t.Errorf("Expected default maxHist=%d, got %d", DefaultLogHistory, lb.maxHist)
	}

	lb = NewLogBroadcaster(-1)
	if lb.maxHist != DefaultLogHistory {
		t.Errorf("Expected default maxHist=%d for negative value, got %d", DefaultLogHistory, lb.maxHist)
	}
}

func TestLogBroadcasterSubscribeAndBroadcast(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch1 := lb.Subscribe()
	defer lb.Unsubscribe(ch1)
	ch2 := lb.Subscribe()
	defer lb.Unsubscribe(ch2)

	lb.Broadcast("test")

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg != "test" {
				t.Errorf("Subscriber %d: expected %q, got %q", i, "test", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d: timed out", i)
		}
	}
}

func TestLogBroadcasterUnsubscribe(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch := lb.Subscribe()
	lb.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}

	// A second unsubscribe must not panic on the closed channel
	lb.Unsubscribe(ch)
	lb.Broadcast("after unsubscribe")
}

func TestLogBroadcasterHistory(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for i := range 5 {
		lb.Broadcast(fmt.Sprintf("line %d", i))
	}

	ch, history := lb.SubscribeWithHistory(10)
	defer lb.Unsubscribe(ch)

	want := []string{"line 2", "line 3", "line 4"}
	if strings.Join(history, ",") != strings.Join(want, ",") {
		t.Errorf("history = %v, want %v", history, want)
	}

	ch2, history := lb.SubscribeWithHistory(2)
	defer lb.Unsubscribe(ch2)
	if len(history) != 2 || history[0] != "line 3" {
		t.Errorf("Expected last two lines, got %v", history)
	}
}

func TestLogBroadcasterSlowClientDoesNotBlock(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := range 500 {
			lb.Broadcast(fmt.Sprintf("line %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow client")
	}
}

func TestLogBroadcasterConcurrent(t *testing.T) {
	lb := NewLogBroadcaster(100)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := lb.Subscribe()
			lb.Broadcast(fmt.Sprintf("from %d", i))
			lb.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}

func TestHandleLogsStreamsHistoryAndNewLines(t *testing.T) {
	d := &Daemon{logBroadcast: NewLogBroadcaster(100)}
	d.logBroadcast.Broadcast("old line\n")

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		d.handleLogs(ctx, server, true, 10)
	}()

	reader := bufio.NewReader(client)
	readLine := func() string {
		t.Helper()
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read log line: %v", err)
		}
		return line
	}

	if line := readLine(); !strings.HasPrefix(line, "Connected to idlesync daemon logs") {
		t.Errorf("Unexpected greeting %q", line)
	}
	if line := readLine(); line != "old line\n" {
		t.Errorf("Expected history line, got %q", line)
	}

	// The subscription exists once history has been sent
	d.logBroadcast.Broadcast("new line\n")
	if line := readLine(); line != "new line\n" {
		t.Errorf("Expected live line, got %q", line)
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handleLogs did not return after cancellation")
	}
	client.Close()
}
