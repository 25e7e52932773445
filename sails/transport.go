package sails

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

type SocketState string

// socket state machine is:
// SocketStateNotInitialized
//
//	-> SocketStateInitialized
//	  -> SocketStateConnected <-> SocketStateDisconnected
//	    -> SocketStateClosed (terminal)
const (
	SocketStateNotInitialized SocketState = "NotInitialized"
	SocketStateInitialized    SocketState = "Initialized"
	SocketStateConnected      SocketState = "Connected"
	SocketStateDisconnected   SocketState = "Disconnected"
	SocketStateClosed         SocketState = "Closed"
)

func (self SocketState) IsTerminal() bool {
	return self == SocketStateClosed
}

type SocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultSocketTransportSettings() *SocketTransportSettings {
	return &SocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

// a record event published by the server, named `${model}` with
// verb created/updated/destroyed
type RecordEvent struct {
	Model string `json:"model"`
	Verb  Verb   `json:"verb"`
	Id    string `json:"id"`
	Data  Record `json:"data,omitempty"`
}

type EventFunction = func(event *RecordEvent)
type StateFunction = func(state SocketState)
type ConnectFunction = func()

// a virtual http request sent over the socket
type socketRequest struct {
	Method    string         `json:"method"`
	Url       string         `json:"url"`
	Data      map[string]any `json:"data,omitempty"`
	RequestId Id             `json:"requestId"`
}

type socketResponse struct {
	RequestId  Id              `json:"requestId"`
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// inbound messages are either a response to a request or a record event
type socketMessage struct {
	RequestId  Id              `json:"requestId,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	Model string `json:"model,omitempty"`
	Verb  Verb   `json:"verb,omitempty"`
	Id    string `json:"id,omitempty"`
	Data  Record `json:"data,omitempty"`
}

type requestResult struct {
	response *socketResponse
	err      error
}

// one persistent websocket to the server, lazily established on first use.
// requests are correlated by request id. the connection reconnects with a
// fixed timeout after a drop, and callbacks registered on the transport
// stay attached across reconnects.
type SocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	socketUrl string
	byJwt     string
	csrf      *CsrfCoordinator

	settings *SocketTransportSettings

	initOnce sync.Once

	send chan []byte

	stateLock       sync.Mutex
	state           SocketState
	pendingRequests map[Id]chan *requestResult

	eventCallbacks   *CallbackList[EventFunction]
	stateCallbacks   *CallbackList[StateFunction]
	connectCallbacks *CallbackList[ConnectFunction]
}

func NewSocketTransportWithDefaults(
	ctx context.Context,
	socketUrl string,
	csrf *CsrfCoordinator,
) *SocketTransport {
	return NewSocketTransport(ctx, socketUrl, csrf, DefaultSocketTransportSettings())
}

func NewSocketTransport(
	ctx context.Context,
	socketUrl string,
	csrf *CsrfCoordinator,
	settings *SocketTransportSettings,
) *SocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SocketTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		socketUrl:        socketUrl,
		csrf:             csrf,
		settings:         settings,
		send:             make(chan []byte, TransportBufferSize),
		state:            SocketStateNotInitialized,
		pendingRequests:  map[Id]chan *requestResult{},
		eventCallbacks:   NewCallbackList[EventFunction](),
		stateCallbacks:   NewCallbackList[StateFunction](),
		connectCallbacks: NewCallbackList[ConnectFunction](),
	}
}

// attached to the websocket handshake request
func (self *SocketTransport) SetByJwt(byJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = byJwt
}

func (self *SocketTransport) getByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

func (self *SocketTransport) State() SocketState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SocketTransport) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *SocketTransport) AddStateCallback(stateCallback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// called after every successful connect, including reconnects.
// subscription replay hooks in here.
func (self *SocketTransport) AddConnectCallback(connectCallback ConnectFunction) func() {
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

// starts the connection loop on first use
func (self *SocketTransport) ensureRun() {
	self.initOnce.Do(func() {
		self.setState(SocketStateInitialized)
		go self.run()
	})
}

func (self *SocketTransport) setState(state SocketState) {
	self.stateLock.Lock()
	if self.state.IsTerminal() {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state)
	}
}

func (self *SocketTransport) run() {
	defer func() {
		self.setState(SocketStateClosed)
		self.failPendingRequests(fmt.Errorf("socket closed"))
	}()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			if byJwt := self.getByJwt(); byJwt != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
			}
			ws, _, err := dialer.DialContext(self.ctx, self.socketUrl, header)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ts]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setState(SocketStateConnected)
			for _, connectCallback := range self.connectCallbacks.Get() {
				connectCallback()
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ts]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping <-\n")
							continue
						}
						self.dispatch(message)
					default:
						glog.V(2).Infof("[tr]other=%d <-\n", messageType)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		self.setState(SocketStateDisconnected)
		self.failPendingRequests(fmt.Errorf("socket disconnected"))

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SocketTransport) dispatch(message []byte) {
	inbound := &socketMessage{}
	if err := json.Unmarshal(message, inbound); err != nil {
		glog.Infof("[tr]decode error = %s\n", err)
		return
	}

	if (inbound.RequestId != Id{}) {
		result := &requestResult{
			response: &socketResponse{
				RequestId:  inbound.RequestId,
				StatusCode: inbound.StatusCode,
				Body:       inbound.Body,
			},
		}

		self.stateLock.Lock()
		pending, ok := self.pendingRequests[inbound.RequestId]
		if ok {
			delete(self.pendingRequests, inbound.RequestId)
		}
		self.stateLock.Unlock()

		if !ok {
			glog.V(2).Infof("[tr]drop response %s<-\n", inbound.RequestId)
			return
		}
		pending <- result
		return
	}

	if inbound.Model != "" {
		event := &RecordEvent{
			Model: inbound.Model,
			Verb:  inbound.Verb,
			Id:    inbound.Id,
			Data:  inbound.Data,
		}
		glog.V(2).Infof("[tr]%s %s %s<-\n", event.Model, event.Verb, event.Id)
		for _, eventCallback := range self.eventCallbacks.Get() {
			eventCallback(event)
		}
	}
}

func (self *SocketTransport) failPendingRequests(err error) {
	self.stateLock.Lock()
	pending := self.pendingRequests
	self.pendingRequests = map[Id]chan *requestResult{}
	self.stateLock.Unlock()

	for _, c := range pending {
		c <- &requestResult{
			err: err,
		}
	}
}

// sends a virtual request over the socket and waits for the correlated
// response. mutation requests carry the csrf token in the data envelope.
func (self *SocketTransport) Request(ctx context.Context, method string, url string, data map[string]any) ([]byte, error) {
	self.ensureRun()

	if method != "GET" && self.csrf != nil {
		token, err := self.csrf.Token(ctx)
		if err != nil {
			return nil, err
		}
		nextData := map[string]any{}
		for k, v := range data {
			nextData[k] = v
		}
		nextData["_csrf"] = token
		data = nextData
	}

	request := &socketRequest{
		Method:    method,
		Url:       url,
		Data:      data,
		RequestId: NewId(),
	}
	message, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	pending := make(chan *requestResult, 1)
	self.stateLock.Lock()
	if self.state.IsTerminal() {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("socket closed")
	}
	self.pendingRequests[request.RequestId] = pending
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pendingRequests, request.RequestId)
		self.stateLock.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case self.send <- message:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case <-time.After(self.settings.RequestTimeout):
		return nil, fmt.Errorf("request timeout")
	case result := <-pending:
		if result.err != nil {
			return nil, result.err
		}
		if result.response.StatusCode < 200 || 300 <= result.response.StatusCode {
			return nil, parseApiError(result.response.StatusCode, result.response.Body)
		}
		return result.response.Body, nil
	}
}

func (self *SocketTransport) Close() {
	self.cancel()
}
