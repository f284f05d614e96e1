// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"

	"github.com/absmach/correlator/storage"
)

// undoLog records how to revert the state changes made while processing
// one command. Entries run in reverse order on rollback.
type undoLog struct {
	ops []func() error
}

func (u *undoLog) push(op func() error) {
	u.ops = append(u.ops, op)
}

// mark returns a savepoint for rollbackTo.
func (u *undoLog) mark() int {
	return len(u.ops)
}

func (u *undoLog) reset() {
	clear(u.ops)
	u.ops = u.ops[:0]
}

func (u *undoLog) rollback() error {
	return u.rollbackTo(0)
}

// rollbackTo reverts every change made after mark. All entries run even
// when some fail.
func (u *undoLog) rollbackTo(mark int) error {
	var errs []error
	for i := len(u.ops) - 1; i >= mark; i-- {
		if err := u.ops[i](); err != nil {
			errs = append(errs, err)
		}
		u.ops[i] = nil
	}
	u.ops = u.ops[:mark]
	return errors.Join(errs...)
}

var _ storage.Store = (*undoStore)(nil)

// undoStore writes through to a store and logs the previous value of every
// entry it changes.
type undoStore struct {
	storage.Store
	log *undoLog
}

func newUndoStore(s storage.Store, log *undoLog) *undoStore {
	return &undoStore{Store: s, log: log}
}

func (s *undoStore) Messages() storage.MessageStore {
	return undoMessages{MessageStore: s.Store.Messages(), log: s.log}
}

func (s *undoStore) MessageSubscriptions() storage.MessageSubscriptionStore {
	return undoMessageSubscriptions{MessageSubscriptionStore: s.Store.MessageSubscriptions(), log: s.log}
}

func (s *undoStore) ProcessMessageSubscriptions() storage.ProcessMessageSubscriptionStore {
	return undoProcessSubscriptions{ProcessMessageSubscriptionStore: s.Store.ProcessMessageSubscriptions(), log: s.log}
}

func (s *undoStore) StartEventSubscriptions() storage.StartEventSubscriptionStore {
	return undoStartEventSubscriptions{StartEventSubscriptionStore: s.Store.StartEventSubscriptions(), log: s.log}
}

type undoMessages struct {
	storage.MessageStore
	log *undoLog
}

func (s undoMessages) Put(msg *storage.Message) error {
	key := msg.Key
	prev, err := s.MessageStore.Get(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.MessageStore.Put(msg); err != nil {
		return err
	}
	s.log.push(func() error {
		if prev == nil {
			return s.MessageStore.Delete(key)
		}
		return s.MessageStore.Put(prev)
	})
	return nil
}

func (s undoMessages) Delete(key int64) error {
	prev, err := s.MessageStore.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return s.MessageStore.Delete(key)
	}
	if err != nil {
		return err
	}
	var corrs []*storage.Correlation
	err = s.MessageStore.VisitCorrelations(key, func(c *storage.Correlation) bool {
		corrs = append(corrs, c)
		return true
	})
	if err != nil {
		return err
	}
	if err := s.MessageStore.Delete(key); err != nil {
		return err
	}
	s.log.push(func() error {
		if err := s.MessageStore.Put(prev); err != nil {
			return err
		}
		for _, c := range corrs {
			if err := s.MessageStore.PutCorrelation(c); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func (s undoMessages) PutCorrelation(c *storage.Correlation) error {
	messageKey, bpmnProcessID := c.MessageKey, c.BpmnProcessID
	prev, err := s.MessageStore.GetCorrelation(messageKey, bpmnProcessID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.MessageStore.PutCorrelation(c); err != nil {
		return err
	}
	s.log.push(func() error {
		if prev == nil {
			return s.MessageStore.RemoveCorrelation(messageKey, bpmnProcessID)
		}
		return s.MessageStore.PutCorrelation(prev)
	})
	return nil
}

func (s undoMessages) RemoveCorrelation(messageKey int64, bpmnProcessID string) error {
	prev, err := s.MessageStore.GetCorrelation(messageKey, bpmnProcessID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.MessageStore.RemoveCorrelation(messageKey, bpmnProcessID)
	}
	if err != nil {
		return err
	}
	if err := s.MessageStore.RemoveCorrelation(messageKey, bpmnProcessID); err != nil {
		return err
	}
	s.log.push(func() error { return s.MessageStore.PutCorrelation(prev) })
	return nil
}

func (s undoMessages) PutActiveInstance(tenantID, bpmnProcessID, correlationKey string, processInstanceKey int64) error {
	prev, err := s.MessageStore.ActiveInstance(tenantID, bpmnProcessID, correlationKey)
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.MessageStore.PutActiveInstance(tenantID, bpmnProcessID, correlationKey, processInstanceKey); err != nil {
		return err
	}
	s.log.push(func() error {
		if !found {
			return s.MessageStore.RemoveActiveInstance(tenantID, bpmnProcessID, correlationKey)
		}
		return s.MessageStore.PutActiveInstance(tenantID, bpmnProcessID, correlationKey, prev)
	})
	return nil
}

func (s undoMessages) RemoveActiveInstance(tenantID, bpmnProcessID, correlationKey string) error {
	prev, err := s.MessageStore.ActiveInstance(tenantID, bpmnProcessID, correlationKey)
	if errors.Is(err, storage.ErrNotFound) {
		return s.MessageStore.RemoveActiveInstance(tenantID, bpmnProcessID, correlationKey)
	}
	if err != nil {
		return err
	}
	if err := s.MessageStore.RemoveActiveInstance(tenantID, bpmnProcessID, correlationKey); err != nil {
		return err
	}
	s.log.push(func() error {
		return s.MessageStore.PutActiveInstance(tenantID, bpmnProcessID, correlationKey, prev)
	})
	return nil
}

type undoMessageSubscriptions struct {
	storage.MessageSubscriptionStore
	log *undoLog
}

func (s undoMessageSubscriptions) Put(sub *storage.MessageSubscription) error {
	eik, name := sub.ElementInstanceKey, sub.MessageName
	prev, err := s.MessageSubscriptionStore.Get(eik, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.MessageSubscriptionStore.Put(sub); err != nil {
		return err
	}
	s.log.push(func() error {
		if prev == nil {
			return s.MessageSubscriptionStore.Delete(eik, name)
		}
		return s.MessageSubscriptionStore.Put(prev)
	})
	return nil
}

func (s undoMessageSubscriptions) Delete(elementInstanceKey int64, messageName string) error {
	prev, err := s.MessageSubscriptionStore.Get(elementInstanceKey, messageName)
	if errors.Is(err, storage.ErrNotFound) {
		return s.MessageSubscriptionStore.Delete(elementInstanceKey, messageName)
	}
	if err != nil {
		return err
	}
	if err := s.MessageSubscriptionStore.Delete(elementInstanceKey, messageName); err != nil {
		return err
	}
	s.log.push(func() error { return s.MessageSubscriptionStore.Put(prev) })
	return nil
}

type undoProcessSubscriptions struct {
	storage.ProcessMessageSubscriptionStore
	log *undoLog
}

func (s undoProcessSubscriptions) Put(sub *storage.ProcessMessageSubscription) error {
	eik, name := sub.ElementInstanceKey, sub.MessageName
	prev, err := s.ProcessMessageSubscriptionStore.Get(eik, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.ProcessMessageSubscriptionStore.Put(sub); err != nil {
		return err
	}
	s.log.push(func() error {
		if prev == nil {
			return s.ProcessMessageSubscriptionStore.Delete(eik, name)
		}
		return s.ProcessMessageSubscriptionStore.Put(prev)
	})
	return nil
}

func (s undoProcessSubscriptions) Delete(elementInstanceKey int64, messageName string) error {
	prev, err := s.ProcessMessageSubscriptionStore.Get(elementInstanceKey, messageName)
	if errors.Is(err, storage.ErrNotFound) {
		return s.ProcessMessageSubscriptionStore.Delete(elementInstanceKey, messageName)
	}
	if err != nil {
		return err
	}
	if err := s.ProcessMessageSubscriptionStore.Delete(elementInstanceKey, messageName); err != nil {
		return err
	}
	s.log.push(func() error { return s.ProcessMessageSubscriptionStore.Put(prev) })
	return nil
}

type undoStartEventSubscriptions struct {
	storage.StartEventSubscriptionStore
	log *undoLog
}

func (s undoStartEventSubscriptions) Put(sub *storage.StartEventSubscription) error {
	pdk, name := sub.ProcessDefinitionKey, sub.MessageName
	prev, err := s.StartEventSubscriptionStore.Get(pdk, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.StartEventSubscriptionStore.Put(sub); err != nil {
		return err
	}
	s.log.push(func() error {
		if prev == nil {
			return s.StartEventSubscriptionStore.Delete(pdk, name)
		}
		return s.StartEventSubscriptionStore.Put(prev)
	})
	return nil
}

func (s undoStartEventSubscriptions) Delete(processDefinitionKey int64, messageName string) error {
	prev, err := s.StartEventSubscriptionStore.Get(processDefinitionKey, messageName)
	if errors.Is(err, storage.ErrNotFound) {
		return s.StartEventSubscriptionStore.Delete(processDefinitionKey, messageName)
	}
	if err != nil {
		return err
	}
	if err := s.StartEventSubscriptionStore.Delete(processDefinitionKey, messageName); err != nil {
		return err
	}
	s.log.push(func() error { return s.StartEventSubscriptionStore.Put(prev) })
	return nil
}
