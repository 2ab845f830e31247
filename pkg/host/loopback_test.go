// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackRejectsHiddenContext(t *testing.T) {
	t.Parallel()

	env := &LoopbackEnvironment{SkipBrowser: true}
	_, err := env.CreateAuxiliaryContext(Hidden)
	assert.ErrorIs(t, err, ErrUnsupportedContext)
}

func TestLoopbackCallbackDelivery(t *testing.T) {
	t.Parallel()

	env := &LoopbackEnvironment{SkipBrowser: true}
	aux, err := env.CreateAuxiliaryContext(Popup)
	require.NoError(t, err)
	t.Cleanup(func() { _ = aux.Close() })

	loopback := aux.(*loopbackContext)

	// Give the server a moment to start listening.
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(loopback.CallbackURL() + "?code=abc&state=xyz")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case msg := <-aux.Messages():
		assert.Equal(t, "?code=abc&state=xyz", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("callback never delivered")
	}
}

func TestLoopbackCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	env := &LoopbackEnvironment{SkipBrowser: true}
	aux, err := env.CreateAuxiliaryContext(Popup)
	require.NoError(t, err)

	require.NoError(t, aux.Close())
	require.NoError(t, aux.Close())
	assert.True(t, aux.Closed())

	_, open := <-aux.Messages()
	assert.False(t, open)
}

func TestFakeEnvironment(t *testing.T) {
	t.Parallel()

	env := NewFakeEnvironment()
	require.NoError(t, env.OpenURI("https://idp.example/authorize"))
	assert.Equal(t, []string{"https://idp.example/authorize"}, env.OpenedURIs)

	aux, err := env.CreateAuxiliaryContext(Hidden)
	require.NoError(t, err)
	fake := env.LastContext()
	require.NotNil(t, fake)
	assert.Equal(t, Hidden, fake.Kind)

	require.NoError(t, aux.Navigate("https://idp.example/checksession"))
	assert.Equal(t, []string{"https://idp.example/checksession"}, fake.NavigatedTo())

	fake.Emit(Message{Origin: "https://idp.example", Data: "unchanged"})
	msg := <-aux.Messages()
	assert.Equal(t, "unchanged", msg.Data)

	require.NoError(t, aux.Close())
	assert.True(t, aux.Closed())
}
