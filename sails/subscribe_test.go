package sails

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testWatchRequest struct {
	method string
	url    string
	data   map[string]any
}

type testSubscriptionTransport struct {
	mutex            sync.Mutex
	requests         []*testWatchRequest
	failCount        int
	connectCallbacks *CallbackList[ConnectFunction]
}

func newTestSubscriptionTransport() *testSubscriptionTransport {
	return &testSubscriptionTransport{
		connectCallbacks: NewCallbackList[ConnectFunction](),
	}
}

func (self *testSubscriptionTransport) Request(ctx context.Context, method string, url string, data map[string]any) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.requests = append(self.requests, &testWatchRequest{
		method: method,
		url:    url,
		data:   data,
	})
	if 0 < self.failCount {
		self.failCount -= 1
		return nil, errors.New("request failed")
	}
	return []byte("{}"), nil
}

func (self *testSubscriptionTransport) setFailCount(failCount int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failCount = failCount
}

func (self *testSubscriptionTransport) AddConnectCallback(connectCallback ConnectFunction) func() {
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

func (self *testSubscriptionTransport) connect() {
	for _, connectCallback := range self.connectCallbacks.Get() {
		connectCallback()
	}
}

func (self *testSubscriptionTransport) take() []*testWatchRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	requests := self.requests
	self.requests = nil
	return requests
}

func testSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		DebounceTimeout: 20 * time.Millisecond,
		FlushTimeout:    time.Second,
	}
}

func TestWatchBatchDedupe(t *testing.T) {
	// n requests for the same model/id within the debounce window
	// produce one outbound request containing the id once
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	for range 8 {
		subscriptions.Watch("post", "1")
	}
	subscriptions.Watch("post", "2")
	subscriptions.Watch("post", "1", "2")

	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].method, "GET")
	assert.Equal(t, requests[0].url, "/post/subscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"1", "2"})
}

func TestWatchDebounceWindowRestarts(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1")
	// inside the window. joins the current batch and restarts the window
	time.Sleep(10 * time.Millisecond)
	subscriptions.Watch("post", "2")

	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].data["ids"], []string{"1", "2"})
}

func TestWatchPerModelBatches(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1")
	subscriptions.Watch("comment", "9")
	subscriptions.Watch("post", "3")

	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 2)
	// flush order is sorted by model
	assert.Equal(t, requests[0].url, "/comment/subscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"9"})
	assert.Equal(t, requests[1].url, "/post/subscribe")
	assert.Equal(t, requests[1].data["ids"], []string{"1", "3"})
}

func TestWatchAlreadyActive(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 1)

	// already watched. no new outbound request
	subscriptions.Watch("post", "1")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 0)
}

func TestWatchWholeModel(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post")
	subscriptions.Watch("post")

	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].url, "/post/subscribe")
	_, hasIds := requests[0].data["ids"]
	assert.Equal(t, hasIds, false)
}

func TestWatchReplayOnReconnect(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1", "2")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 1)

	// reconnect replays the active watches
	transport.connect()
	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].url, "/post/subscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"1", "2"})
}

func TestUnwatch(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1", "2")
	time.Sleep(100 * time.Millisecond)
	transport.take()

	subscriptions.Unwatch("post", "2")
	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].url, "/post/unsubscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"2"})

	// the unwatched id is no longer active, so it replays without it
	transport.connect()
	time.Sleep(100 * time.Millisecond)

	requests = transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].data["ids"], []string{"1"})
}

func TestUnwatchWholeModelTearsDownActiveIds(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1", "2")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 1)

	// an id-less unwatch also tears down the per-id watches server-side
	subscriptions.Unwatch("post")
	time.Sleep(100 * time.Millisecond)

	requests := transport.take()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].url, "/post/unsubscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"1", "2"})

	// nothing left active for the model. reconnect replays nothing
	transport.connect()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 0)
}

func TestWatchRetriesAfterRequestFailure(t *testing.T) {
	ctx := context.Background()
	transport := newTestSubscriptionTransport()
	transport.setFailCount(1)
	subscriptions := NewSubscriptions(ctx, transport, testSubscriptionSettings())
	defer subscriptions.Close()

	subscriptions.Watch("post", "1", "2")
	time.Sleep(100 * time.Millisecond)

	// the failed batch goes back to pending and flushes again
	requests := transport.take()
	assert.Equal(t, len(requests), 2)
	assert.Equal(t, requests[0].url, "/post/subscribe")
	assert.Equal(t, requests[0].data["ids"], []string{"1", "2"})
	assert.Equal(t, requests[1].url, "/post/subscribe")
	assert.Equal(t, requests[1].data["ids"], []string{"1", "2"})

	// the retried watch is active. no further requests
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.take()), 0)
}
