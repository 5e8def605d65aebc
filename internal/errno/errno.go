// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package errno defines the error taxonomy surfaced to API clients.
//
// Every RPC failure is eventually mapped to a (code, message) pair. Code 0 is
// success, -1 tells the client its session is gone and it must log in again,
// any other non-zero code is a business or protocol failure.
package errno

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes an RPC can surface.
type Kind int

const (
	// KindParamFormat means the request body failed to deserialize.
	KindParamFormat Kind = iota + 1
	// KindParamInvalid means a validator rejected the input.
	KindParamInvalid
	// KindTokenInvalid means a nonce was missing, consumed or expired.
	KindTokenInvalid
	// KindNotAllowed means a signature or authorization check failed.
	KindNotAllowed
	// KindLoginRequired means the session is absent on a protected route.
	KindLoginRequired
	// KindCommon is a business rule violation with a client-safe message.
	KindCommon
	// KindAPI means an upstream provider call failed.
	KindAPI
	// KindSerialize is an internal encoding failure.
	KindSerialize
	// KindDeserialize is an internal decoding failure.
	KindDeserialize
	// KindOther is an unclassified internal failure.
	KindOther
)

// Wire codes for each kind. LoginRequired is -1 so clients force a re-login.
const (
	CodeOK            = 0
	CodeLoginRequired = -1
	codeBase          = 1000
)

// Errno is an error carrying a client-facing code and message plus an
// optional wrapped cause which never reaches the client.
type Errno struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Errno) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the internal cause to errors.Is/As.
func (e *Errno) Unwrap() error {
	return e.cause
}

// Code returns the wire code for the error.
func (e *Errno) Code() int {
	if e.Kind == KindLoginRequired {
		return CodeLoginRequired
	}
	return codeBase + int(e.Kind)
}

// ClientMessage returns the message safe to show to a client.
func (e *Errno) ClientMessage() string {
	return e.Message
}

// ParamFormat reports a body that could not be deserialized.
func ParamFormat(cause error) *Errno {
	return &Errno{Kind: KindParamFormat, Message: "请求参数格式错误", cause: cause}
}

// ParamInvalid reports input rejected by a validator.
func ParamInvalid(msg string) *Errno {
	return &Errno{Kind: KindParamInvalid, Message: msg}
}

// TokenInvalid reports a missing, consumed or expired nonce.
func TokenInvalid() *Errno {
	return &Errno{Kind: KindTokenInvalid, Message: "令牌无效或已过期"}
}

// NotAllowed reports a failed signature or authorization check.
func NotAllowed() *Errno {
	return &Errno{Kind: KindNotAllowed, Message: "没有权限"}
}

// LoginRequired reports a protected route hit without a session.
func LoginRequired() *Errno {
	return &Errno{Kind: KindLoginRequired, Message: "用户未登录"}
}

// Common reports a business rule violation with a client-safe message.
func Common(msg string) *Errno {
	return &Errno{Kind: KindCommon, Message: msg}
}

// Commonf is Common with formatting.
func Commonf(format string, args ...any) *Errno {
	return &Errno{Kind: KindCommon, Message: fmt.Sprintf(format, args...)}
}

// API reports an upstream provider failure.
func API(cause error) *Errno {
	return &Errno{Kind: KindAPI, Message: "调用上游服务失败", cause: cause}
}

// Serialize reports an internal encoding failure.
func Serialize(cause error) *Errno {
	return &Errno{Kind: KindSerialize, Message: "内部编码错误", cause: cause}
}

// Deserialize reports an internal decoding failure.
func Deserialize(cause error) *Errno {
	return &Errno{Kind: KindDeserialize, Message: "内部解码错误", cause: cause}
}

// Other wraps an unclassified internal failure behind a generic message.
func Other(cause error) *Errno {
	return &Errno{Kind: KindOther, Message: "服务内部错误", cause: cause}
}

// From coerces err into an *Errno, wrapping unclassified errors as Other.
func From(err error) *Errno {
	var e *Errno
	if errors.As(err, &e) {
		return e
	}
	return Other(err)
}

// IsKind reports whether err is an Errno of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Errno
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
