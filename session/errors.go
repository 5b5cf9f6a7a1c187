package session

import (
	"fmt"
	"strconv"
)

// Kind classifies the vendor's embedded error codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindConnect
	KindNetwork
	KindServer
	KindRequest
	KindNotFound
	KindExists
	KindLimitExceeded
	KindBusy
	KindRequestLimit
	KindVerifyCode
	KindVerifyCodeExpired
	KindNeedVerifyCode
	KindVerifyCodeMax
	KindVerifyCodeNoneMatch
	KindVerifyCodePassword
	KindClientPublicKey
	KindTokenKicked
	KindInvalidCredentials
	KindRetryExceeded
	KindNoPermission
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindConnect:
		return "connect"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindRequest:
		return "request"
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindLimitExceeded:
		return "limit-exceeded"
	case KindBusy:
		return "busy"
	case KindRequestLimit:
		return "request-limit"
	case KindVerifyCode:
		return "verify-code"
	case KindVerifyCodeExpired:
		return "verify-code-expired"
	case KindNeedVerifyCode:
		return "need-verify-code"
	case KindVerifyCodeMax:
		return "verify-code-max"
	case KindVerifyCodeNoneMatch:
		return "verify-code-none-match"
	case KindVerifyCodePassword:
		return "verify-code-password"
	case KindClientPublicKey:
		return "client-public-key"
	case KindTokenKicked:
		return "token-kicked-out"
	case KindInvalidCredentials:
		return "invalid-credentials"
	case KindRetryExceeded:
		return "retry-exceeded"
	case KindNoPermission:
		return "no-access-permission"
	}
	return "unknown"
}

var codeKinds = map[int]Kind{
	401:    KindAuthorization,
	403:    KindAuthorization,
	429:    KindRequestLimit,
	502:    KindConnect,
	504:    KindConnect,
	997:    KindConnect,
	998:    KindNetwork,
	999:    KindServer,
	10000:  KindRequest,
	10003:  KindRequest,
	10004:  KindNotFound,
	10007:  KindRequest,
	21105:  KindBusy,
	26050:  KindVerifyCode,
	26051:  KindVerifyCodeExpired,
	26052:  KindNeedVerifyCode,
	26053:  KindVerifyCodeMax,
	26054:  KindVerifyCodeNoneMatch,
	26055:  KindVerifyCodePassword,
	26070:  KindClientPublicKey,
	26084:  KindTokenKicked,
	26108:  KindInvalidCredentials,
	26156:  KindInvalidCredentials,
	26161:  KindRequest,
	31001:  KindExists,
	31003:  KindLimitExceeded,
	100053: KindRetryExceeded,
	160003: KindNoPermission,
}

// Error is a vendor error embedded in a 200 response body.
type Error struct {
	Kind Kind
	Code int
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// StatusError is a transport-level HTTP failure (status >= 400).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// apiError maps the code/msg envelope of a response body. Codes below
// 10000 without a known mapping are not errors.
func apiError(response map[string]interface{}, prefix string) *Error {
	codeValue, ok := response["code"]
	if !ok {
		return nil
	}
	code, _ := strconv.Atoi(fmt.Sprint(codeValue))
	msg, _ := response["msg"].(string)
	if msg == "" {
		msg = "Error msg not found"
	}
	message := fmt.Sprintf("(%d) %s: %s", code, prefix, msg)

	if kind, ok := codeKinds[code]; ok {
		return &Error{Kind: kind, Code: code, Msg: message}
	}
	if code >= 10000 {
		return &Error{Kind: KindUnknown, Code: code, Msg: message}
	}
	return nil
}
