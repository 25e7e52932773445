package sails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const csrfTokenHeader = "x-csrf-token"
const csrfTokenPath = "/csrfToken"

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// list filter following the blueprint query conventions
type Query struct {
	Where map[string]any
	Limit int
	Skip  int
	Sort  string
}

func (self *Query) values() url.Values {
	values := url.Values{}
	if self == nil {
		return values
	}
	if 0 < len(self.Where) {
		whereJson, err := json.Marshal(self.Where)
		if err == nil {
			values.Set("where", string(whereJson))
		}
	}
	if 0 < self.Limit {
		values.Set("limit", strconv.Itoa(self.Limit))
	}
	if 0 < self.Skip {
		values.Set("skip", strconv.Itoa(self.Skip))
	}
	if self.Sort != "" {
		values.Set("sort", self.Sort)
	}
	return values
}

// crud client for the blueprint http routes.
// non-GET requests carry the csrf token. a csrf rejection invalidates the
// cached token and retries once with a fresh one.
type BlueprintApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	stateLock sync.Mutex
	byJwt     string

	csrf   *CsrfCoordinator
	client *http.Client
}

func NewBlueprintApi(apiUrl string) *BlueprintApi {
	return NewBlueprintApiWithContext(context.Background(), apiUrl)
}

func NewBlueprintApiWithContext(ctx context.Context, apiUrl string) *BlueprintApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := &BlueprintApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		client: defaultClient(),
	}
	api.csrf = NewCsrfCoordinatorWithDefaults(cancelCtx, api.fetchCsrfToken)
	return api
}

// this gets attached to api calls that need it
func (self *BlueprintApi) SetByJwt(byJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = byJwt
}

func (self *BlueprintApi) getByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

func (self *BlueprintApi) Csrf() *CsrfCoordinator {
	return self.csrf
}

func (self *BlueprintApi) Close() {
	self.cancel()
}

type FindRecordCallback apiCallback[Record]

func (self *BlueprintApi) FindRecord(model string, id string, callback FindRecordCallback) {
	go func() {
		record, err := self.FindRecordSync(self.ctx, model, id)
		callback.Result(record, err)
	}()
}

func (self *BlueprintApi) FindRecordSync(ctx context.Context, model string, id string) (Record, error) {
	body, err := self.request(ctx, "GET", fmt.Sprintf("/%s/%s", model, id), nil, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeRecord(model, body)
}

type FindAllCallback apiCallback[[]Record]

func (self *BlueprintApi) FindAll(model string, query *Query, callback FindAllCallback) {
	go func() {
		records, err := self.FindAllSync(self.ctx, model, query)
		callback.Result(records, err)
	}()
}

func (self *BlueprintApi) FindAllSync(ctx context.Context, model string, query *Query) ([]Record, error) {
	body, err := self.request(ctx, "GET", fmt.Sprintf("/%s", model), nil, query.values())
	if err != nil {
		return nil, err
	}
	return NormalizeResponse(model, body)
}

type CreateRecordCallback apiCallback[Record]

func (self *BlueprintApi) CreateRecord(model string, attributes Record, callback CreateRecordCallback) {
	go func() {
		record, err := self.CreateRecordSync(self.ctx, model, attributes)
		callback.Result(record, err)
	}()
}

func (self *BlueprintApi) CreateRecordSync(ctx context.Context, model string, attributes Record) (Record, error) {
	body, err := self.request(ctx, "POST", fmt.Sprintf("/%s", model), attributes, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeRecord(model, body)
}

type UpdateRecordCallback apiCallback[Record]

func (self *BlueprintApi) UpdateRecord(model string, id string, attributes Record, callback UpdateRecordCallback) {
	go func() {
		record, err := self.UpdateRecordSync(self.ctx, model, id, attributes)
		callback.Result(record, err)
	}()
}

func (self *BlueprintApi) UpdateRecordSync(ctx context.Context, model string, id string, attributes Record) (Record, error) {
	body, err := self.request(ctx, "PATCH", fmt.Sprintf("/%s/%s", model, id), attributes, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeRecord(model, body)
}

type DestroyRecordCallback apiCallback[bool]

func (self *BlueprintApi) DestroyRecord(model string, id string, callback DestroyRecordCallback) {
	go func() {
		err := self.DestroyRecordSync(self.ctx, model, id)
		callback.Result(err == nil, err)
	}()
}

func (self *BlueprintApi) DestroyRecordSync(ctx context.Context, model string, id string) error {
	_, err := self.request(ctx, "DELETE", fmt.Sprintf("/%s/%s", model, id), nil, nil)
	return err
}

// raw blueprint call for non-record routes, e.g. auth endpoints.
// the body comes back undecoded
func (self *BlueprintApi) PostSync(ctx context.Context, path string, args any) ([]byte, error) {
	return self.request(ctx, "POST", path, args, nil)
}

func (self *BlueprintApi) fetchCsrfToken(ctx context.Context) (string, error) {
	body, err := self.do(ctx, "GET", csrfTokenPath, nil, nil, "")
	if err != nil {
		return "", err
	}
	result := struct {
		Csrf string `json:"_csrf"`
	}{}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.Csrf == "" {
		return "", fmt.Errorf("empty csrf token")
	}
	return result.Csrf, nil
}

func (self *BlueprintApi) request(ctx context.Context, method string, path string, args any, query url.Values) ([]byte, error) {
	csrfToken := ""
	if method != "GET" {
		var err error
		csrfToken, err = self.csrf.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	body, err := self.do(ctx, method, path, args, query, csrfToken)
	var statusError *StatusError
	if err != nil && errors.As(err, &statusError) && isCsrfRejection(statusError.StatusCode, []byte(statusError.Body)) {
		// stale token. refresh and retry once
		glog.Infof("[api]csrf rejected, retrying %s %s\n", method, path)
		self.csrf.Invalidate()
		csrfToken, err = self.csrf.Token(ctx)
		if err != nil {
			return nil, err
		}
		body, err = self.do(ctx, method, path, args, query, csrfToken)
	}
	return body, err
}

func (self *BlueprintApi) do(ctx context.Context, method string, path string, args any, query url.Values, csrfToken string) ([]byte, error) {
	var requestBodyBytes []byte
	if args != nil {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return nil, err
		}
	}

	requestUrl := fmt.Sprintf("%s%s", self.apiUrl, path)
	if 0 < len(query) {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, query.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, requestUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt := self.getByJwt(); byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}
	if csrfToken != "" {
		req.Header.Add(csrfTokenHeader, csrfToken)
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return nil, parseApiError(r.StatusCode, responseBodyBytes)
	}

	glog.V(2).Infof("[api]%s %s ok\n", method, path)
	return responseBodyBytes, nil
}
