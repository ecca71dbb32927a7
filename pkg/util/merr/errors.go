// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 叶子错误统一定义在这里。
// 新增之前先确认下面已有的错误是否可以复用。
// 命名：Err + 相关前缀 + 错误名
var (
	// Service 相关
	ErrServiceNotReady      = newJSMError("service not ready", 1, true)
	ErrServiceUnavailable   = newJSMError("service unavailable", 2, true)
	ErrServiceInternal      = newJSMError("service internal error", 5, false)
	ErrServiceUnimplemented = newJSMError("service unimplemented", 10, false)
	ErrServiceShutdown      = newJSMError("service is shutting down", 11, false)

	// Host 相关
	ErrHostNotFound = newJSMError("host not found", 100, false)

	// User 相关
	ErrUserNotFound = newJSMError("user not found", 200, false)
	ErrUserInvalid  = newJSMError("invalid user address", 201, false)

	// Session 相关
	ErrSessionNotFound = newJSMError("session not found", 300, false)
	ErrSessionClosed   = newJSMError("session closed", 301, false)
	ErrSessionReplaced = newJSMError("session replaced by a newer login", 302, false)

	// Auth 相关
	ErrAuthNotAuthorized = newJSMError("not authorized", 400, false)
	ErrAuthForbidden     = newJSMError("forbidden", 401, false)
	ErrAuthNoCredentials = newJSMError("no credentials", 402, false)

	// Packet 相关
	ErrPacketMalformed   = newJSMError("malformed packet", 500, false)
	ErrPacketNoRecipient = newJSMError("packet has no recipient", 501, false)
	ErrPacketNoSender    = newJSMError("packet has no sender", 502, false)

	// Storage 相关
	ErrStorageFailed   = newJSMError("storage failed", 600, true)
	ErrStorageConflict = newJSMError("storage write conflict", 601, true)

	// Handler 注册相关
	ErrHandlerInvalid    = newJSMError("invalid handler", 700, false)
	ErrHandlerDuplicated = newJSMError("handler already registered", 701, false)

	// Parameter 相关
	ErrParameterInvalid = newJSMError("invalid parameter", 1100, false)
	ErrParameterMissing = newJSMError("missing parameter", 1101, false)

	// 通用
	ErrOperationNotSupported = newJSMError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to jsmError
	errUnexpected = newJSMError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*jsmError)

func WithDetail(detail string) errorOption {
	return func(err *jsmError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *jsmError) {
		err.errType = etype
	}
}

type jsmError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newJSMError(msg string, code int32, retriable bool, options ...errorOption) jsmError {
	err := jsmError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e jsmError) code() int32 {
	return e.errCode
}

func (e jsmError) Error() string {
	return e.msg
}

func (e jsmError) Detail() string {
	return e.detail
}

func (e jsmError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(jsmError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多个错误的 cause 定义为最后一个错误
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
