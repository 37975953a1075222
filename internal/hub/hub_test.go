package hub

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func receiveNotice(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("notice channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func expectNoNotice(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected notice")
		}
	default:
	}
}

func TestHubNotifiesAllSubscribers(t *testing.T) {
	h := New()
	first, cancelFirst := h.Subscribe("s1")
	second, cancelSecond := h.Subscribe("s2")
	defer cancelFirst()
	defer cancelSecond()

	h.Publish("")

	receiveNotice(t, first)
	receiveNotice(t, second)
}

func TestHubSkipsTheOrigin(t *testing.T) {
	h := New()
	origin, cancelOrigin := h.Subscribe("s1")
	peer, cancelPeer := h.Subscribe("s2")
	defer cancelOrigin()
	defer cancelPeer()

	h.Publish("s1")

	receiveNotice(t, peer)
	expectNoNotice(t, origin)
}

func TestHubCoalescesPendingNotices(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Publish("")
	h.Publish("")
	h.Publish("")

	receiveNotice(t, ch)
	expectNoNotice(t, ch)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("s1")

	cancel()
	h.Publish("")

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if h.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", h.Len())
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	h := New()
	_, cancel := h.Subscribe("s1")
	cancel()
	cancel()
}

func TestHubLen(t *testing.T) {
	h := New()
	if h.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", h.Len())
	}
	_, cancelFirst := h.Subscribe("s1")
	_, cancelSecond := h.Subscribe("s2")
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	cancelFirst()
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
	cancelSecond()
}

func TestHubConcurrentPublishAndSubscribe(t *testing.T) {
	h := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "s" + strconv.Itoa(n)
			ch, cancel := h.Subscribe(id)
			for j := 0; j < 20; j++ {
				h.Publish(id)
				h.Publish("")
				select {
				case <-ch:
				default:
				}
			}
			cancel()
		}(i)
	}
	wg.Wait()

	if h.Len() != 0 {
		t.Fatalf("Len() = %d after all unsubscribed, want 0", h.Len())
	}
}
