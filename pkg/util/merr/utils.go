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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"mellium.im/xmpp/stanza"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case jsmError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	var merr jsmError
	if errors.As(err, &merr) {
		return merr.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(jsmError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

func GetErrorType(err error) ErrorType {
	if merr, ok := err.(jsmError); ok {
		return merr.errType
	}

	return SystemError
}

// conditions 将错误码映射为回给客户端的 XMPP 错误条件。
var conditions = map[int32]stanza.Condition{
	ErrServiceNotReady.errCode:       stanza.ServiceUnavailable,
	ErrServiceUnavailable.errCode:    stanza.ServiceUnavailable,
	ErrServiceInternal.errCode:       stanza.InternalServerError,
	ErrServiceUnimplemented.errCode:  stanza.FeatureNotImplemented,
	ErrServiceShutdown.errCode:       stanza.ServiceUnavailable,
	ErrHostNotFound.errCode:          stanza.ItemNotFound,
	ErrUserNotFound.errCode:          stanza.ItemNotFound,
	ErrUserInvalid.errCode:           stanza.JIDMalformed,
	ErrSessionNotFound.errCode:       stanza.ItemNotFound,
	ErrSessionClosed.errCode:         stanza.RecipientUnavailable,
	ErrSessionReplaced.errCode:       stanza.Conflict,
	ErrAuthNotAuthorized.errCode:     stanza.NotAuthorized,
	ErrAuthForbidden.errCode:         stanza.Forbidden,
	ErrAuthNoCredentials.errCode:     stanza.NotAuthorized,
	ErrPacketMalformed.errCode:       stanza.BadRequest,
	ErrPacketNoRecipient.errCode:     stanza.BadRequest,
	ErrPacketNoSender.errCode:        stanza.BadRequest,
	ErrStorageFailed.errCode:         stanza.ServiceUnavailable,
	ErrStorageConflict.errCode:       stanza.ServiceUnavailable,
	ErrParameterInvalid.errCode:      stanza.BadRequest,
	ErrParameterMissing.errCode:      stanza.BadRequest,
	ErrOperationNotSupported.errCode: stanza.FeatureNotImplemented,
}

// Condition 返回 err 对应的 XMPP 错误条件。
//
// 说明：
//   - err 为 nil 时返回空条件；
//   - 未登记的错误统一映射为 internal-server-error。
func Condition(err error) stanza.Condition {
	if err == nil {
		return ""
	}
	if IsCanceledOrTimeout(err) {
		return stanza.RemoteServerTimeout
	}
	if cond, ok := conditions[Code(err)]; ok {
		return cond
	}
	return stanza.InternalServerError
}

// Service 相关错误封装。
func WrapErrServiceNotReady(state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady, state)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Host 相关错误封装。
func WrapErrHostNotFound(host string, msg ...string) error {
	err := wrapFields(ErrHostNotFound, value("host", host))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// User 相关错误封装。
func WrapErrUserNotFound(user any, msg ...string) error {
	err := wrapFields(ErrUserNotFound, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUserInvalid(user any, msg ...string) error {
	err := wrapFields(ErrUserInvalid, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session 相关错误封装。
func WrapErrSessionNotFound(id string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionClosed(id string, msg ...string) error {
	err := wrapFields(ErrSessionClosed, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionReplaced(address any, msg ...string) error {
	err := wrapFields(ErrSessionReplaced, value("address", address))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Auth 相关错误封装。
func WrapErrAuthNotAuthorized(user any, msg ...string) error {
	err := wrapFields(ErrAuthNotAuthorized, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthForbidden(user any, action string, msg ...string) error {
	err := wrapFields(ErrAuthForbidden, value("user", user), value("action", action))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Packet 相关错误封装。
func WrapErrPacketMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrPacketMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Storage 相关错误封装。
func WrapErrStorageFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrStorageFailed, err.Error(), value("key", key))
}

func WrapErrStorageConflict(key string, msg ...string) error {
	err := wrapFields(ErrStorageConflict, value("key", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Handler 相关错误封装。
func WrapErrHandlerInvalid(name string, msg ...string) error {
	err := wrapFields(ErrHandlerInvalid, value("handler", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrHandlerDuplicated(name string, msg ...string) error {
	err := wrapFields(ErrHandlerDuplicated, value("handler", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmtString string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtString, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err jsmError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err jsmError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
