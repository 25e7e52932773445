package sails

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CsrfFetchFunction func(ctx context.Context) (string, error)

type CsrfCoordinatorSettings struct {
	FetchTimeout time.Duration
}

func DefaultCsrfCoordinatorSettings() *CsrfCoordinatorSettings {
	return &CsrfCoordinatorSettings{
		FetchTimeout: 10 * time.Second,
	}
}

// result of one token fetch, shared by all callers attached to it
type pendingCsrfFetch struct {
	done  chan struct{}
	token string
	err   error
}

// coordinates one csrf token across all requests.
// at most one token fetch is outstanding at a time. concurrent callers
// attach to the pending fetch and share its result. a successful fetch
// caches the token until `Invalidate`. a failed fetch clears the cache
// and propagates the error to all waiters, so the next call retries.
type CsrfCoordinator struct {
	ctx context.Context

	fetch    CsrfFetchFunction
	settings *CsrfCoordinatorSettings

	stateLock sync.Mutex
	token     string
	pending   *pendingCsrfFetch
}

func NewCsrfCoordinatorWithDefaults(ctx context.Context, fetch CsrfFetchFunction) *CsrfCoordinator {
	return NewCsrfCoordinator(ctx, fetch, DefaultCsrfCoordinatorSettings())
}

func NewCsrfCoordinator(ctx context.Context, fetch CsrfFetchFunction, settings *CsrfCoordinatorSettings) *CsrfCoordinator {
	return &CsrfCoordinator{
		ctx:      ctx,
		fetch:    fetch,
		settings: settings,
	}
}

func (self *CsrfCoordinator) Token(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	if self.token != "" {
		token := self.token
		self.stateLock.Unlock()
		return token, nil
	}
	if self.pending == nil {
		self.pending = &pendingCsrfFetch{
			done: make(chan struct{}),
		}
		go self.load(self.pending)
	}
	pending := self.pending
	self.stateLock.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-self.ctx.Done():
		return "", self.ctx.Err()
	case <-pending.done:
	}

	return pending.token, pending.err
}

func (self *CsrfCoordinator) load(pending *pendingCsrfFetch) {
	fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
	defer fetchCancel()

	token, err := self.fetch(fetchCtx)

	self.stateLock.Lock()
	if err == nil {
		self.token = token
		pending.token = token
		glog.V(2).Infof("[csrf]token loaded\n")
	} else {
		self.token = ""
		pending.err = err
		glog.Infof("[csrf]fetch error = %s\n", err)
	}
	self.pending = nil
	self.stateLock.Unlock()

	close(pending.done)
}

// drops the cached token. the next `Token` call fetches a fresh one.
func (self *CsrfCoordinator) Invalidate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = ""
}
