package sails

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

// fakes the blueprint routes for one `widget` model with csrf protection
type testBlueprintServer struct {
	mutex      sync.Mutex
	csrfToken  string
	fetchCount int
	records    map[string]Record
	nextId     int
}

func newTestBlueprintServer() *testBlueprintServer {
	return &testBlueprintServer{
		csrfToken: "csrf-1",
		records:   map[string]Record{},
		nextId:    1,
	}
}

func (self *testBlueprintServer) fetches() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetchCount
}

func (self *testBlueprintServer) rotateCsrfToken() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.csrfToken = fmt.Sprintf("csrf-%d", self.fetchCount+1)
}

func (self *testBlueprintServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /csrfToken", func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		self.fetchCount += 1
		token := self.csrfToken
		self.mutex.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"_csrf": token})
	})

	checkCsrf := func(w http.ResponseWriter, r *http.Request) bool {
		self.mutex.Lock()
		token := self.csrfToken
		self.mutex.Unlock()
		if r.Header.Get(csrfTokenHeader) != token {
			w.WriteHeader(403)
			w.Write([]byte("CSRF mismatch"))
			return false
		}
		return true
	}

	mux.HandleFunc("GET /widget", func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		records := []Record{}
		for _, record := range self.records {
			records = append(records, record)
		}
		self.mutex.Unlock()
		json.NewEncoder(w).Encode(records)
	})

	mux.HandleFunc("GET /widget/{id}", func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		record, ok := self.records[r.PathValue("id")]
		self.mutex.Unlock()
		if !ok {
			w.WriteHeader(404)
			w.Write([]byte("not found"))
			return
		}
		json.NewEncoder(w).Encode(record)
	})

	mux.HandleFunc("POST /widget", func(w http.ResponseWriter, r *http.Request) {
		if !checkCsrf(w, r) {
			return
		}
		attributes := Record{}
		json.NewDecoder(r.Body).Decode(&attributes)
		if attributes["title"] == "" || attributes["title"] == nil {
			w.WriteHeader(400)
			json.NewEncoder(w).Encode(map[string]any{
				"code": "E_VALIDATION",
				"invalidAttributes": map[string]any{
					"title": []map[string]string{
						{"rule": "required", "message": "title is required"},
					},
				},
			})
			return
		}
		self.mutex.Lock()
		id := fmt.Sprintf("%d", self.nextId)
		self.nextId += 1
		attributes["id"] = id
		self.records[id] = attributes
		self.mutex.Unlock()
		w.WriteHeader(201)
		json.NewEncoder(w).Encode(attributes)
	})

	mux.HandleFunc("PATCH /widget/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !checkCsrf(w, r) {
			return
		}
		attributes := Record{}
		json.NewDecoder(r.Body).Decode(&attributes)
		self.mutex.Lock()
		record, ok := self.records[r.PathValue("id")]
		if ok {
			for k, v := range attributes {
				record[k] = v
			}
		}
		self.mutex.Unlock()
		if !ok {
			w.WriteHeader(404)
			w.Write([]byte("not found"))
			return
		}
		json.NewEncoder(w).Encode(record)
	})

	mux.HandleFunc("DELETE /widget/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !checkCsrf(w, r) {
			return
		}
		self.mutex.Lock()
		delete(self.records, r.PathValue("id"))
		self.mutex.Unlock()
		w.Write([]byte("{}"))
	})

	return mux
}

func TestBlueprintCrud(t *testing.T) {
	ctx := context.Background()

	testServer := newTestBlueprintServer()
	server := httptest.NewServer(testServer.handler())
	defer server.Close()

	api := NewBlueprintApiWithContext(ctx, server.URL)
	defer api.Close()

	created, err := api.CreateRecordSync(ctx, "widget", Record{"title": "a"})
	assert.Equal(t, err, nil)
	assert.Equal(t, created["title"], "a")
	id := created.Id()
	assert.NotEqual(t, id, "")

	found, err := api.FindRecordSync(ctx, "widget", id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found["title"], "a")

	updated, err := api.UpdateRecordSync(ctx, "widget", id, Record{"title": "b"})
	assert.Equal(t, err, nil)
	assert.Equal(t, updated["title"], "b")

	all, err := api.FindAllSync(ctx, "widget", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 1)

	err = api.DestroyRecordSync(ctx, "widget", id)
	assert.Equal(t, err, nil)

	all, err = api.FindAllSync(ctx, "widget", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 0)

	// all mutations shared one csrf fetch
	assert.Equal(t, testServer.fetches(), 1)
}

func TestBlueprintCsrfRetry(t *testing.T) {
	ctx := context.Background()

	testServer := newTestBlueprintServer()
	server := httptest.NewServer(testServer.handler())
	defer server.Close()

	api := NewBlueprintApiWithContext(ctx, server.URL)
	defer api.Close()

	_, err := api.CreateRecordSync(ctx, "widget", Record{"title": "a"})
	assert.Equal(t, err, nil)

	// the server rotates its token. the cached one is now stale and the
	// next mutation must refetch and retry once
	testServer.rotateCsrfToken()

	_, err = api.CreateRecordSync(ctx, "widget", Record{"title": "b"})
	assert.Equal(t, err, nil)
	assert.Equal(t, testServer.fetches(), 2)
}

func TestBlueprintValidationError(t *testing.T) {
	ctx := context.Background()

	testServer := newTestBlueprintServer()
	server := httptest.NewServer(testServer.handler())
	defer server.Close()

	api := NewBlueprintApiWithContext(ctx, server.URL)
	defer api.Close()

	_, err := api.CreateRecordSync(ctx, "widget", Record{})
	assert.Equal(t, IsValidation(err), true)
}

func TestBlueprintCallback(t *testing.T) {
	ctx := context.Background()

	testServer := newTestBlueprintServer()
	server := httptest.NewServer(testServer.handler())
	defer server.Close()

	api := NewBlueprintApiWithContext(ctx, server.URL)
	defer api.Close()

	callback, c := NewBlockingApiCallback[Record]()
	api.CreateRecord("widget", Record{"title": "a"}, callback)
	result := <-c
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, result.Result["title"], "a")
}

func TestBlueprintSetByJwtConcurrent(t *testing.T) {
	ctx := context.Background()

	testServer := newTestBlueprintServer()
	server := httptest.NewServer(testServer.handler())
	defer server.Close()

	api := NewBlueprintApiWithContext(ctx, server.URL)
	defer api.Close()

	// rotating the credential while requests are in flight must be safe
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 64 {
			api.SetByJwt(fmt.Sprintf("jwt-%d", i))
		}
	}()
	for range 16 {
		_, err := api.FindAllSync(ctx, "widget", nil)
		assert.Equal(t, err, nil)
	}
	<-done
}

func TestQueryValues(t *testing.T) {
	query := &Query{
		Where: map[string]any{"title": "a"},
		Limit: 10,
		Skip:  5,
		Sort:  "createdAt DESC",
	}
	values := query.values()
	assert.Equal(t, values.Get("where"), `{"title":"a"}`)
	assert.Equal(t, values.Get("limit"), "10")
	assert.Equal(t, values.Get("skip"), "5")
	assert.Equal(t, values.Get("sort"), "createdAt DESC")

	var nilQuery *Query
	assert.Equal(t, len(nilQuery.values()), 0)
}
