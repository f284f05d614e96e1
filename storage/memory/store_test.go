// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

func message(key int64, name, corrKey, id string, deadline time.Time) *storage.Message {
	return &storage.Message{
		Key: key,
		MessageRecord: protocol.MessageRecord{
			Name:           name,
			CorrelationKey: corrKey,
			MessageID:      id,
			Deadline:       deadline,
			TenantID:       protocol.DefaultTenantID,
		},
	}
}

func TestMessageStore(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()

	if err := s.Put(message(2, "order", "o-1", "id-1", now.Add(time.Minute))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Put(message(1, "order", "o-1", "", now.Add(time.Second)))
	s.Put(message(3, "order", "o-2", "", now))

	got, err := s.Get(2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MessageID != "id-1" {
		t.Errorf("MessageID mismatch: got %s, want id-1", got.MessageID)
	}

	// Mutation isolation
	got.Name = "changed"
	again, _ := s.Get(2)
	if again.Name != "order" {
		t.Errorf("Mutation affected stored message")
	}

	exists, _ := s.ExistsID(protocol.DefaultTenantID, "order", "o-1", "id-1", now)
	if !exists {
		t.Errorf("ExistsID returned false for buffered id")
	}
	exists, _ = s.ExistsID("tenant-a", "order", "o-1", "id-1", now)
	if exists {
		t.Errorf("ExistsID crossed tenants")
	}

	var keys []int64
	s.Visit(protocol.DefaultTenantID, "order", "o-1", func(m *storage.Message) bool {
		keys = append(keys, m.Key)
		return true
	})
	if len(keys) != 2 || keys[0] != 1 || keys[1] != 2 {
		t.Errorf("Visit order = %v, want [1 2]", keys)
	}

	var due []int64
	s.VisitDeadlines(now.Add(time.Second), func(key int64, _ time.Time) bool {
		due = append(due, key)
		return true
	})
	if len(due) != 2 || due[0] != 3 || due[1] != 1 {
		t.Errorf("VisitDeadlines = %v, want [3 1]", due)
	}

	s.PutCorrelation(&storage.Correlation{MessageKey: 2, BpmnProcessID: "p", ElementInstanceKey: 7})
	if err := s.Delete(2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetCorrelation(2, "p"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Correlation survived message delete")
	}
	exists, _ = s.ExistsID(protocol.DefaultTenantID, "order", "o-1", "id-1", now)
	if exists {
		t.Errorf("id index survived message delete")
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d, want 2", s.Count())
	}
}

func TestMessageStoreExpiredID(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()
	s.Put(message(1, "order", "o-1", "id-1", now.Add(time.Second)))

	if exists, _ := s.ExistsID(protocol.DefaultTenantID, "order", "o-1", "id-1", now); !exists {
		t.Fatalf("ExistsID returned false before the deadline")
	}
	if exists, _ := s.ExistsID(protocol.DefaultTenantID, "order", "o-1", "id-1", now.Add(time.Second)); exists {
		t.Errorf("ExistsID returned true for an expired message")
	}
}

func TestMessageStoreVisitCorrelations(t *testing.T) {
	s := NewMessageStore()
	s.Put(message(1, "order", "o-1", "", time.Now().Add(time.Minute)))
	s.PutCorrelation(&storage.Correlation{MessageKey: 1, BpmnProcessID: "b"})
	s.PutCorrelation(&storage.Correlation{MessageKey: 1, BpmnProcessID: "a", Confirmed: true})
	s.PutCorrelation(&storage.Correlation{MessageKey: 2, BpmnProcessID: "a"})

	var ids []string
	s.VisitCorrelations(1, func(c *storage.Correlation) bool {
		ids = append(ids, c.BpmnProcessID)
		return true
	})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("VisitCorrelations = %v, want [a b]", ids)
	}
}

func TestActiveInstanceLock(t *testing.T) {
	s := NewMessageStore()

	if _, err := s.ActiveInstance("t", "p", "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no lock, got %v", err)
	}
	s.PutActiveInstance("t", "p", "k", 42)
	key, err := s.ActiveInstance("t", "p", "k")
	if err != nil || key != 42 {
		t.Fatalf("ActiveInstance = %d, %v", key, err)
	}
	s.RemoveActiveInstance("t", "p", "k")
	if _, err := s.ActiveInstance("t", "p", "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("lock not released")
	}
}

func TestMessageSubscriptionStore(t *testing.T) {
	s := NewMessageSubscriptionStore()

	for i, eik := range []int64{30, 10, 20} {
		s.Put(&storage.MessageSubscription{
			Key:   int64(i + 1),
			State: storage.MessageSubscriptionCreated,
			MessageSubscriptionRecord: protocol.MessageSubscriptionRecord{
				ElementInstanceKey: eik,
				MessageName:        "order",
				CorrelationKey:     "o-1",
				TenantID:           protocol.DefaultTenantID,
			},
		})
	}

	var order []int64
	s.Visit(protocol.DefaultTenantID, "order", "o-1", func(sub *storage.MessageSubscription) bool {
		order = append(order, sub.ElementInstanceKey)
		return true
	})
	if len(order) != 3 || order[0] != 30 || order[2] != 20 {
		t.Errorf("Visit order = %v, want creation order [30 10 20]", order)
	}

	sub, _ := s.Get(10, "order")
	sub.State = storage.MessageSubscriptionCorrelating
	s.Put(sub)

	n := 0
	s.VisitState(storage.MessageSubscriptionCorrelating, func(*storage.MessageSubscription) bool {
		n++
		return true
	})
	if n != 1 {
		t.Errorf("VisitState found %d, want 1", n)
	}

	s.Delete(10, "order")
	if _, err := s.Get(10, "order"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d, want 2", s.Count())
	}
}

func TestStartEventSubscriptionOrder(t *testing.T) {
	s := NewStartEventSubscriptionStore()
	for _, pdk := range []int64{5, 2, 9} {
		s.Put(&storage.StartEventSubscription{
			Key: pdk,
			MessageStartEventSubscriptionRecord: protocol.MessageStartEventSubscriptionRecord{
				ProcessDefinitionKey: pdk,
				BpmnProcessID:        "p",
				MessageName:          "start",
				TenantID:             protocol.DefaultTenantID,
			},
		})
	}

	var keys []int64
	s.VisitMessageName(protocol.DefaultTenantID, "start", func(sub *storage.StartEventSubscription) bool {
		keys = append(keys, sub.ProcessDefinitionKey)
		return true
	})
	if len(keys) != 3 || keys[0] != 2 || keys[1] != 5 || keys[2] != 9 {
		t.Errorf("VisitMessageName = %v, want [2 5 9]", keys)
	}

	got, err := s.Get(5, "start")
	if err != nil || got.Key != 5 {
		t.Fatalf("Get = %v, %v", got, err)
	}
	s.Delete(5, "start")
	if _, err := s.Get(5, "start"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	keys = nil
	s.VisitProcess(protocol.DefaultTenantID, "p", func(sub *storage.StartEventSubscription) bool {
		keys = append(keys, sub.ProcessDefinitionKey)
		return true
	})
	if len(keys) != 2 {
		t.Errorf("VisitProcess = %v, want 2 entries", keys)
	}
}
