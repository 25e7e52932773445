package sails

import (
	"context"
	"net/url"
	"strings"
)

type ClientSettings struct {
	ApiSettings          *CsrfCoordinatorSettings
	TransportSettings    *SocketTransportSettings
	SubscriptionSettings *SubscriptionSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiSettings:          DefaultCsrfCoordinatorSettings(),
		TransportSettings:    DefaultSocketTransportSettings(),
		SubscriptionSettings: DefaultSubscriptionSettings(),
	}
}

// one client per backend. composes the http api, the csrf coordinator,
// the socket transport, subscription batching, and the record store.
// socket events feed the store for every watched model.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	api           *BlueprintApi
	transport     *SocketTransport
	subscriptions *Subscriptions
	store         *Store

	removeEventCallback func()
}

func NewClientWithDefaults(ctx context.Context, apiUrl string) *Client {
	return NewClient(ctx, apiUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, apiUrl string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewBlueprintApiWithContext(cancelCtx, apiUrl)
	api.csrf = NewCsrfCoordinator(cancelCtx, api.fetchCsrfToken, settings.ApiSettings)

	transport := NewSocketTransport(
		cancelCtx,
		SocketUrl(apiUrl),
		api.Csrf(),
		settings.TransportSettings,
	)
	subscriptions := NewSubscriptions(cancelCtx, transport, settings.SubscriptionSettings)
	store := NewStore()

	client := &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		transport:     transport,
		subscriptions: subscriptions,
		store:         store,
	}
	client.removeEventCallback = transport.AddEventCallback(store.Apply)
	return client
}

// derives the websocket url from the http api url
func SocketUrl(apiUrl string) string {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return apiUrl
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"
	return u.String()
}

func (self *Client) SetByJwt(byJwt string) {
	self.api.SetByJwt(byJwt)
	self.transport.SetByJwt(byJwt)
}

func (self *Client) Api() *BlueprintApi {
	return self.api
}

func (self *Client) Transport() *SocketTransport {
	return self.transport
}

func (self *Client) Subscriptions() *Subscriptions {
	return self.subscriptions
}

func (self *Client) Store() *Store {
	return self.store
}

// watches a model and keeps the store in sync with its server events
func (self *Client) Sync(model string, ids ...string) {
	self.subscriptions.Watch(model, ids...)
}

func (self *Client) Close() {
	self.removeEventCallback()
	self.subscriptions.Close()
	self.transport.Close()
	self.api.Close()
	self.cancel()
}
