// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package host abstracts the hosting runtime: navigation and auxiliary
// browsing contexts. The protocol engine depends only on these interfaces,
// so it runs the same against a browser bridge, a loopback callback server,
// or an in-memory fake.
package host

import "errors"

// ErrUnsupportedContext is returned when the environment cannot create the
// requested kind of auxiliary context.
var ErrUnsupportedContext = errors.New("auxiliary context kind not supported by this host")

// ContextKind selects the style of auxiliary browsing context.
type ContextKind int

const (
	// Hidden is an invisible embedded context, used for silent refresh and
	// session checks.
	Hidden ContextKind = iota

	// Popup is a separate user-visible top-level context.
	Popup
)

// Message is a cross-context message together with the origin it came from.
type Message struct {
	Origin string
	Data   string
}

// AuxiliaryContext is an iframe, popup, or their non-browser stand-in.
type AuxiliaryContext interface {
	// Navigate points the context at a URL.
	Navigate(uri string) error

	// PostMessage sends a message into the context.
	PostMessage(msg Message) error

	// Messages delivers messages emitted by the context. The channel is
	// closed when the context closes.
	Messages() <-chan Message

	// Closed reports whether the context has been closed, by Close or by
	// the user.
	Closed() bool

	// Close tears the context down. Closing twice is safe.
	Close() error
}

// Environment is the injected host capability.
type Environment interface {
	// OpenURI performs a top-level navigation, e.g. the full-page login
	// redirect or the end-session redirect.
	OpenURI(uri string) error

	// CreateAuxiliaryContext opens a new context of the given kind.
	CreateAuxiliaryContext(kind ContextKind) (AuxiliaryContext, error)

	// StorageEvents delivers callback payloads that arrive via a storage
	// change rather than a message. Hosts without that channel return nil.
	StorageEvents() <-chan Message
}
