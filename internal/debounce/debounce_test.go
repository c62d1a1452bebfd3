package debounce

import (
	"sync"
	"testing"
	"time"
)

func TestBuffer_MergesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var got []Flushed
	done := make(chan struct{}, 1)

	b := New(30*time.Millisecond, false, func(f Flushed) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Add(Message{Platform: "telegram", SenderID: "42", Text: "hello"})
	b.Add(Message{Platform: "telegram", SenderID: "42", Text: "world"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flush")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("flush count = %d, want 1", len(got))
	}
	if got[0].Text != "hello\nworld" {
		t.Errorf("Text = %q, want %q", got[0].Text, "hello\nworld")
	}
}

func TestBuffer_SeparateSendersDoNotMerge(t *testing.T) {
	var mu sync.Mutex
	var got []Flushed
	done := make(chan struct{}, 2)

	b := New(20*time.Millisecond, false, func(f Flushed) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		done <- struct{}{}
	})

	b.Add(Message{Platform: "telegram", SenderID: "1", Text: "a"})
	b.Add(Message{Platform: "telegram", SenderID: "2", Text: "b"})

	for range 2 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for flush")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("flush count = %d, want 2", len(got))
	}
}

func TestBuffer_AudioBypassesMergeByDefault(t *testing.T) {
	flushed := make(chan Flushed, 2)
	b := New(time.Hour, false, func(f Flushed) { flushed <- f })

	b.Add(Message{Platform: "whatsapp", SenderID: "9", Text: "hi"})
	b.Add(Message{Platform: "whatsapp", SenderID: "9", AudioPath: "/tmp/a.ogg"})

	select {
	case f := <-flushed:
		if f.Last.AudioPath != "/tmp/a.ogg" {
			t.Errorf("expected the audio message to flush immediately, got %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush for audio message")
	}

	b.Stop()
	select {
	case f := <-flushed:
		if f.Text != "hi" {
			t.Errorf("expected text bucket flushed on Stop, got %+v", f)
		}
	default:
		t.Fatal("expected text bucket to flush on Stop")
	}
}

func TestBuffer_CoalesceAudioOptIn(t *testing.T) {
	flushed := make(chan Flushed, 1)
	b := New(20*time.Millisecond, true, func(f Flushed) { flushed <- f })

	b.Add(Message{Platform: "whatsapp", SenderID: "9", Text: "hi"})
	b.Add(Message{Platform: "whatsapp", SenderID: "9", AudioPath: "/tmp/a.ogg"})

	select {
	case f := <-flushed:
		if f.Text != "hi" {
			t.Errorf("Text = %q, want %q", f.Text, "hi")
		}
		if f.Last.AudioPath != "/tmp/a.ogg" {
			t.Errorf("expected merged bucket to carry the audio path, got %q", f.Last.AudioPath)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merged flush")
	}
}

func TestBuffer_StopFlushesAllPending(t *testing.T) {
	flushed := make(chan Flushed, 3)
	b := New(time.Hour, false, func(f Flushed) { flushed <- f })

	b.Add(Message{Platform: "telegram", SenderID: "1", Text: "a"})
	b.Add(Message{Platform: "telegram", SenderID: "2", Text: "b"})

	b.Stop()

	count := 0
	for {
		select {
		case <-flushed:
			count++
		default:
			if count != 2 {
				t.Fatalf("flush count after Stop = %d, want 2", count)
			}
			return
		}
	}
}

func TestBuffer_AddAfterStopIsNoop(t *testing.T) {
	b := New(time.Hour, false, func(Flushed) { t.Fatal("onFlush should not be called") })
	b.Stop()
	b.Add(Message{Platform: "telegram", SenderID: "1", Text: "a"})
}
