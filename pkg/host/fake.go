// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package host

import "sync"

// FakeEnvironment is an in-memory Environment for tests. Each created
// context is recorded and can be driven from the test: deliver messages,
// close it "by the user", inspect where it navigated.
type FakeEnvironment struct {
	mu sync.Mutex

	// OpenedURIs records every OpenURI call.
	OpenedURIs []string

	// Contexts records every created auxiliary context.
	Contexts []*FakeContext

	// CreateErr, when set, makes CreateAuxiliaryContext fail.
	CreateErr error

	storage chan Message
}

// NewFakeEnvironment creates a fake host with a storage-event channel.
func NewFakeEnvironment() *FakeEnvironment {
	return &FakeEnvironment{storage: make(chan Message, 8)}
}

// OpenURI implements Environment.
func (f *FakeEnvironment) OpenURI(uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenedURIs = append(f.OpenedURIs, uri)
	return nil
}

// CreateAuxiliaryContext implements Environment.
func (f *FakeEnvironment) CreateAuxiliaryContext(kind ContextKind) (AuxiliaryContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	ctx := &FakeContext{Kind: kind, messages: make(chan Message, 8)}
	f.Contexts = append(f.Contexts, ctx)
	return ctx, nil
}

// StorageEvents implements Environment.
func (f *FakeEnvironment) StorageEvents() <-chan Message {
	return f.storage
}

// EmitStorageEvent injects a storage-change notification.
func (f *FakeEnvironment) EmitStorageEvent(msg Message) {
	f.storage <- msg
}

// LastContext returns the most recently created context, or nil.
func (f *FakeEnvironment) LastContext() *FakeContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Contexts) == 0 {
		return nil
	}
	return f.Contexts[len(f.Contexts)-1]
}

// FakeContext is the auxiliary context created by FakeEnvironment.
type FakeContext struct {
	// Kind is the kind it was created with.
	Kind ContextKind

	mu        sync.Mutex
	navigated []string
	received  []Message
	closed    bool
	messages  chan Message
}

// Navigate implements AuxiliaryContext.
func (c *FakeContext) Navigate(uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navigated = append(c.navigated, uri)
	return nil
}

// PostMessage implements AuxiliaryContext.
func (c *FakeContext) PostMessage(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, msg)
	return nil
}

// Messages implements AuxiliaryContext.
func (c *FakeContext) Messages() <-chan Message {
	return c.messages
}

// Closed implements AuxiliaryContext.
func (c *FakeContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements AuxiliaryContext.
func (c *FakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
	return nil
}

// Emit delivers a message from the context, as an iframe answering a
// session check or a popup posting its callback URL would.
func (c *FakeContext) Emit(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.messages <- msg
	}
}

// NavigatedTo returns every URL the context was navigated to.
func (c *FakeContext) NavigatedTo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.navigated...)
}

// ReceivedMessages returns every message posted into the context.
func (c *FakeContext) ReceivedMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.received...)
}
