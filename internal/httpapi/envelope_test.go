// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package httpapi

import (
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/internal/cryptoutil"
)

var (
	clientKeyOnce sync.Once
	clientPub     *rsa.PublicKey
	clientPriv    *rsa.PrivateKey
	clientPubPEM  string
)

func clientKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	clientKeyOnce.Do(func() {
		pub, priv, err := cryptoutil.NewRSAKeyPair()
		if err != nil {
			panic(err)
		}
		pemBytes, err := cryptoutil.MarshalRSAPublicKeyPEM(pub)
		if err != nil {
			panic(err)
		}
		clientPub, clientPriv, clientPubPEM = pub, priv, string(pemBytes)
	})
	return clientPriv, clientPubPEM
}

func TestVerifyEnvelopeRoundTrip(t *testing.T) {
	priv, pubPEM := clientKeys(t)
	body := []byte(`{"hello":"world"}`)
	now := time.Now()

	clientID, hash, err := EncodeClientID(priv, pubPEM, "/api/test", body, now.Add(10*time.Second))
	require.NoError(t, err)

	result, err := VerifyEnvelope("/api/test", clientID, hash, body, now)
	require.NoError(t, err)
	assert.Equal(t, cryptoutil.SHA512(body), result.BodyHash)
	assert.Equal(t, clientPub.N, result.ClientPubKey.N)
}

func TestVerifyEnvelopeExpired(t *testing.T) {
	priv, pubPEM := clientKeys(t)
	body := []byte(`{}`)
	now := time.Now()

	clientID, hash, err := EncodeClientID(priv, pubPEM, "/api/test", body, now.Add(-time.Second))
	require.NoError(t, err)

	_, err = VerifyEnvelope("/api/test", clientID, hash, body, now)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestVerifyEnvelopeBodyHashMismatch(t *testing.T) {
	priv, pubPEM := clientKeys(t)
	body := []byte(`{"a":1}`)
	now := time.Now()

	clientID, hash, err := EncodeClientID(priv, pubPEM, "/api/test", body, now.Add(10*time.Second))
	require.NoError(t, err)

	_, err = VerifyEnvelope("/api/test", clientID, hash, []byte(`{"a":2}`), now)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestVerifyEnvelopeWrongRoute(t *testing.T) {
	priv, pubPEM := clientKeys(t)
	body := []byte(`{}`)
	now := time.Now()

	clientID, hash, err := EncodeClientID(priv, pubPEM, "/api/auth/login", body, now.Add(10*time.Second))
	require.NoError(t, err)

	// Replaying the envelope against another route breaks the signature.
	_, err = VerifyEnvelope("/api/job/startJob", clientID, hash, body, now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyEnvelopeTamperedSignature(t *testing.T) {
	priv, pubPEM := clientKeys(t)
	body := []byte(`{}`)
	now := time.Now()

	clientID, hash, err := EncodeClientID(priv, pubPEM, "/api/test", body, now.Add(10*time.Second))
	require.NoError(t, err)

	// Re-encode the envelope with a corrupted signature byte.
	raw, err := base64.StdEncoding.DecodeString(clientID)
	require.NoError(t, err)
	tampered := []byte(string(raw))
	for i := len(tampered) - 10; i > 0; i-- {
		if tampered[i] >= 'A' && tampered[i] < 'Z' {
			tampered[i]++
			break
		}
	}
	_, err = VerifyEnvelope("/api/test", base64.StdEncoding.EncodeToString(tampered), hash, body, now)
	assert.Error(t, err)
}

func TestVerifyEnvelopeGarbageHeader(t *testing.T) {
	_, err := VerifyEnvelope("/api/test", "not base64 at all!!", "", []byte(`{}`), time.Now())
	assert.ErrorIs(t, err, ErrBadEnvelope)
}
