// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"sync"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/window"
)

// Event is one of MessageChanged, MessageRemoved or ConversationChanged.
type Event interface {
	GetConversationID() string
	isEvent()
}

// View is the read-only projection of a message handed to renderers.
type View struct {
	Message       *message.Message
	Status        message.DeliveryStatus
	Props         message.Props
	Author        Author
	VisibleErrors []message.SendError
	Reactions     []message.Reaction
	Placement     window.Placement
}

type MessageChanged struct {
	ConversationID string
	Delta          message.Delta
	View           View
}

type MessageRemoved struct {
	ConversationID string
	Key            message.Ref
	ID             string
}

type ConversationChanged struct {
	ConversationID string
	Change         ledger.Change
	Snapshot       ledger.Snapshot
}

func (evt *MessageChanged) GetConversationID() string      { return evt.ConversationID }
func (evt *MessageRemoved) GetConversationID() string      { return evt.ConversationID }
func (evt *ConversationChanged) GetConversationID() string { return evt.ConversationID }

func (*MessageChanged) isEvent()      {}
func (*MessageRemoved) isEvent()      {}
func (*ConversationChanged) isEvent() {}

// Observer receives engine events. Events of one conversation are delivered in order
// from that conversation's job, so observers must not block or call back into the
// engine synchronously.
type Observer interface {
	HandleEvent(evt Event)
}

type ObserverFunc func(evt Event)

func (fn ObserverFunc) HandleEvent(evt Event) {
	fn(evt)
}

type bus struct {
	lock      sync.RWMutex
	nextID    int
	observers map[int]Observer
}

func (b *bus) subscribe(obs Observer) func() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.observers == nil {
		b.observers = make(map[int]Observer)
	}
	id := b.nextID
	b.nextID++
	b.observers[id] = obs
	return func() {
		b.lock.Lock()
		delete(b.observers, id)
		b.lock.Unlock()
	}
}

func (b *bus) emit(evt Event) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, obs := range b.observers {
		obs.HandleEvent(evt)
	}
}
