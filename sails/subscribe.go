package sails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type SubscriptionSettings struct {
	DebounceTimeout time.Duration
	FlushTimeout    time.Duration
}

func DefaultSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		DebounceTimeout: 25 * time.Millisecond,
		FlushTimeout:    30 * time.Second,
	}
}

// the transport surface subscriptions need
type subscriptionTransport interface {
	Request(ctx context.Context, method string, url string, data map[string]any) ([]byte, error)
	AddConnectCallback(connectCallback ConnectFunction) func()
}

// batches per-model watch requests.
// ids accumulate in a pending set and flush as one request per model after
// a quiet debounce window. repeated ids within the window collapse to one.
// active watches replay after every reconnect.
type Subscriptions struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport subscriptionTransport
	settings  *SubscriptionSettings

	stateLock  sync.Mutex
	pending    map[string]map[string]bool
	pendingAll map[string]bool
	active     map[string]map[string]bool
	activeAll  map[string]bool
	flushTimer *time.Timer

	removeConnectCallback func()
}

func NewSubscriptionsWithDefaults(ctx context.Context, transport subscriptionTransport) *Subscriptions {
	return NewSubscriptions(ctx, transport, DefaultSubscriptionSettings())
}

func NewSubscriptions(ctx context.Context, transport subscriptionTransport, settings *SubscriptionSettings) *Subscriptions {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscriptions := &Subscriptions{
		ctx:        cancelCtx,
		cancel:     cancel,
		transport:  transport,
		settings:   settings,
		pending:    map[string]map[string]bool{},
		pendingAll: map[string]bool{},
		active:     map[string]map[string]bool{},
		activeAll:  map[string]bool{},
	}
	subscriptions.removeConnectCallback = transport.AddConnectCallback(subscriptions.replay)
	return subscriptions
}

// requests server events for records of `model`. with no ids, watches the
// whole model. calls within the debounce window coalesce into one request.
func (self *Subscriptions) Watch(model string, ids ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	added := false
	if len(ids) == 0 {
		if !self.activeAll[model] && !self.pendingAll[model] {
			self.pendingAll[model] = true
			added = true
		}
	} else {
		pendingIds, ok := self.pending[model]
		if !ok {
			pendingIds = map[string]bool{}
			self.pending[model] = pendingIds
		}
		activeIds := self.active[model]
		for _, id := range ids {
			if activeIds[id] || pendingIds[id] {
				// already watched
				continue
			}
			pendingIds[id] = true
			added = true
		}
	}

	if added {
		self.scheduleFlush()
	}
}

func (self *Subscriptions) Unwatch(model string, ids ...string) {
	self.stateLock.Lock()
	removedIds := []string{}
	removedAll := false
	if len(ids) == 0 {
		delete(self.pendingAll, model)
		delete(self.pending, model)
		if self.activeAll[model] {
			delete(self.activeAll, model)
			removedAll = true
		}
		// per-id watches also need a server-side teardown
		if activeIds, ok := self.active[model]; ok {
			for id := range activeIds {
				removedIds = append(removedIds, id)
			}
			delete(self.active, model)
		}
	} else {
		if pendingIds, ok := self.pending[model]; ok {
			for _, id := range ids {
				delete(pendingIds, id)
			}
		}
		if activeIds, ok := self.active[model]; ok {
			for _, id := range ids {
				if activeIds[id] {
					delete(activeIds, id)
					removedIds = append(removedIds, id)
				}
			}
		}
	}
	self.stateLock.Unlock()

	if removedAll || 0 < len(removedIds) {
		data := map[string]any{}
		// an id-less unsubscribe covers the whole model
		if !removedAll && 0 < len(removedIds) {
			slices.Sort(removedIds)
			data["ids"] = removedIds
		}
		go func() {
			requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.FlushTimeout)
			defer requestCancel()
			_, err := self.transport.Request(
				requestCtx,
				"GET",
				fmt.Sprintf("/%s/unsubscribe", model),
				data,
			)
			if err != nil {
				glog.Infof("[sub]unwatch %s error = %s\n", model, err)
			}
		}()
	}
}

// must be called with the state lock held.
// each new request restarts the quiet window (debounce, not throttle)
func (self *Subscriptions) scheduleFlush() {
	if self.flushTimer == nil {
		self.flushTimer = time.AfterFunc(self.settings.DebounceTimeout, self.flush)
	} else {
		self.flushTimer.Reset(self.settings.DebounceTimeout)
	}
}

func (self *Subscriptions) flush() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.stateLock.Lock()
	batch := self.pending
	batchAll := self.pendingAll
	self.pending = map[string]map[string]bool{}
	self.pendingAll = map[string]bool{}
	self.flushTimer = nil
	for model, pendingIds := range batch {
		if len(pendingIds) == 0 {
			delete(batch, model)
		}
	}
	self.stateLock.Unlock()

	models := map[string]bool{}
	for model := range batch {
		models[model] = true
	}
	for model := range batchAll {
		models[model] = true
	}
	orderedModels := maps.Keys(models)
	slices.Sort(orderedModels)

	for _, model := range orderedModels {
		data := map[string]any{}
		if !batchAll[model] {
			ids := maps.Keys(batch[model])
			slices.Sort(ids)
			data["ids"] = ids
		}

		requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.FlushTimeout)
		_, err := self.transport.Request(
			requestCtx,
			"GET",
			fmt.Sprintf("/%s/subscribe", model),
			data,
		)
		requestCancel()

		self.stateLock.Lock()
		if err == nil {
			// active only once the server acknowledged the watch
			if batchAll[model] {
				self.activeAll[model] = true
			} else {
				activeIds, ok := self.active[model]
				if !ok {
					activeIds = map[string]bool{}
					self.active[model] = activeIds
				}
				for id := range batch[model] {
					activeIds[id] = true
				}
			}
			self.stateLock.Unlock()
			glog.V(2).Infof("[sub]watch %s\n", model)
		} else {
			// back to pending so the next flush retries the batch
			if batchAll[model] {
				self.pendingAll[model] = true
			} else {
				pendingIds, ok := self.pending[model]
				if !ok {
					pendingIds = map[string]bool{}
					self.pending[model] = pendingIds
				}
				for id := range batch[model] {
					pendingIds[id] = true
				}
			}
			self.scheduleFlush()
			self.stateLock.Unlock()
			glog.Infof("[sub]watch %s error = %s\n", model, err)
		}
	}
}

// active watches move back to pending so the next flush re-subscribes them
func (self *Subscriptions) replay() {
	self.stateLock.Lock()
	replayed := false
	for model, activeIds := range self.active {
		if len(activeIds) == 0 {
			continue
		}
		pendingIds, ok := self.pending[model]
		if !ok {
			pendingIds = map[string]bool{}
			self.pending[model] = pendingIds
		}
		for id := range activeIds {
			pendingIds[id] = true
		}
		delete(self.active, model)
		replayed = true
	}
	for model := range self.activeAll {
		self.pendingAll[model] = true
		delete(self.activeAll, model)
		replayed = true
	}
	if replayed {
		self.scheduleFlush()
	}
	self.stateLock.Unlock()
}

func (self *Subscriptions) Close() {
	self.removeConnectCallback()
	self.cancel()

	self.stateLock.Lock()
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.stateLock.Unlock()
}
