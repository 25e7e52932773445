package sails

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type RecordChange struct {
	Model  string
	Verb   Verb
	Id     string
	Record Record
}

type ChangeFunction = func(change *RecordChange)

// local cache of records keyed by model and id.
// inbound socket events mutate the store:
// created pushes, updated merges over the existing record (or pushes when
// absent), destroyed unloads (no-op when absent).
// change callbacks fire outside the state lock.
type Store struct {
	stateLock sync.Mutex
	records   map[string]map[string]Record

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewStore() *Store {
	return &Store{
		records:         map[string]map[string]Record{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Store) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Store) Push(model string, record Record) {
	id := record.Id()
	if id == "" {
		return
	}

	self.stateLock.Lock()
	modelRecords, ok := self.records[model]
	if !ok {
		modelRecords = map[string]Record{}
		self.records[model] = modelRecords
	}
	_, existed := modelRecords[id]
	modelRecords[id] = record
	self.stateLock.Unlock()

	verb := VerbCreated
	if existed {
		verb = VerbUpdated
	}
	self.change(&RecordChange{
		Model:  model,
		Verb:   verb,
		Id:     id,
		Record: record,
	})
}

func (self *Store) Peek(model string, id string) (Record, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	record, ok := self.records[model][id]
	return record, ok
}

func (self *Store) PeekAll(model string) []Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	modelRecords := self.records[model]
	ids := maps.Keys(modelRecords)
	slices.Sort(ids)
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, modelRecords[id])
	}
	return records
}

func (self *Store) Unload(model string, id string) {
	self.stateLock.Lock()
	modelRecords, ok := self.records[model]
	if ok {
		_, ok = modelRecords[id]
		if ok {
			delete(modelRecords, id)
		}
	}
	self.stateLock.Unlock()

	if ok {
		self.change(&RecordChange{
			Model: model,
			Verb:  VerbDestroyed,
			Id:    id,
		})
	}
}

// dispatches an inbound socket event to the matching store mutation
func (self *Store) Apply(event *RecordEvent) {
	switch event.Verb {
	case VerbCreated:
		record := event.Data
		if record == nil {
			return
		}
		if record.Id() == "" && event.Id != "" {
			record = cloneWithId(record, event.Id)
		}
		self.Push(event.Model, record)
	case VerbUpdated:
		self.merge(event.Model, event.Id, event.Data)
	case VerbDestroyed:
		self.Unload(event.Model, event.Id)
	}
}

func (self *Store) merge(model string, id string, data Record) {
	if id == "" {
		id = data.Id()
	}
	if id == "" {
		return
	}

	self.stateLock.Lock()
	modelRecords, ok := self.records[model]
	if !ok {
		modelRecords = map[string]Record{}
		self.records[model] = modelRecords
	}
	record, existed := modelRecords[id]
	if existed {
		next := Record{}
		for k, v := range record {
			next[k] = v
		}
		for k, v := range data {
			next[k] = v
		}
		record = next
	} else {
		record = cloneWithId(data, id)
	}
	modelRecords[id] = record
	self.stateLock.Unlock()

	self.change(&RecordChange{
		Model:  model,
		Verb:   VerbUpdated,
		Id:     id,
		Record: record,
	})
}

func (self *Store) change(change *RecordChange) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(change)
	}
}

func cloneWithId(record Record, id string) Record {
	next := Record{}
	for k, v := range record {
		next[k] = v
	}
	next["id"] = id
	return next
}
