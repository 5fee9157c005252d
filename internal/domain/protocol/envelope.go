// Package protocol defines the kernel's message vocabulary.
//
// Everything that crosses the kernel boundary is an Envelope. Envelopes are
// untrusted: Parse validates one and turns it into exactly one variant of the
// Message sum type, so routing code switches on types instead of probing
// fields.
package protocol

import (
	"fmt"
	"math"
	"strconv"

	"github.com/bytedance/sonic"
)

// Canonical methods
const (
	MethodVersion            = "version"
	MethodModuleCall         = "moduleCall"
	MethodQueryUpdate        = "queryUpdate"
	MethodResponseUpdate     = "responseUpdate"
	MethodResponse           = "response"
	MethodResponseNonce      = "responseNonce"
	MethodLog                = "log"
	MethodPresentSeed        = "presentSeed"
	MethodCheckErrs          = "checkErrs"
	MethodGetModuleOverrides = "getModuleOverrides"
	MethodSetModuleOverrides = "setModuleOverrides"
)

// RootDomain is the domain the kernel uses when it talks to a module itself.
const RootDomain = "root"

// Envelope is the transport-agnostic wire shape of every message.
type Envelope struct {
	Method          string  `json:"method" cbor:"method"`
	Nonce           string  `json:"nonce,omitempty" cbor:"nonce,omitempty"`
	Domain          string  `json:"domain,omitempty" cbor:"domain,omitempty"`
	Data            any     `json:"data,omitempty" cbor:"data,omitempty"`
	Err             *string `json:"err,omitempty" cbor:"err"`
	SendKernelNonce bool    `json:"sendKernelNonce,omitempty" cbor:"sendKernelNonce,omitempty"`
}

// MarshalJSON always writes "err" for responses so callers can test
// err === null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	if e.Method != MethodResponse {
		return sonic.ConfigStd.Marshal(plain(e))
	}
	return sonic.ConfigStd.Marshal(struct {
		plain
		Err *string `json:"err"`
	}{plain(e), e.Err})
}

// HasErr reports whether the envelope carries a non-null err.
func (e Envelope) HasErr() bool {
	return e.Err != nil
}

// ErrString returns err or "" when it is null.
func (e Envelope) ErrString() string {
	if e.Err == nil {
		return ""
	}
	return *e.Err
}

// Respond builds a successful terminal response.
func Respond(nonce string, data any) Envelope {
	return Envelope{Method: MethodResponse, Nonce: nonce, Data: data}
}

// RespondErr builds a failed terminal response.
func RespondErr(nonce string, msg string) Envelope {
	return Envelope{Method: MethodResponse, Nonce: nonce, Err: &msg}
}

// EnvelopeFromMap converts a loosely typed object (for example a value
// exported from a module's JS runtime) into an Envelope.
func EnvelopeFromMap(m map[string]any) (Envelope, error) {
	var env Envelope

	method, ok := m["method"]
	if ok {
		s, isStr := method.(string)
		if !isStr {
			return env, fmt.Errorf("method must be a string, got %T", method)
		}
		env.Method = s
	}

	if raw, ok := m["nonce"]; ok && raw != nil {
		nonce, err := nonceString(raw)
		if err != nil {
			return env, err
		}
		env.Nonce = nonce
	}

	if raw, ok := m["domain"]; ok && raw != nil {
		s, isStr := raw.(string)
		if !isStr {
			return env, fmt.Errorf("domain must be a string, got %T", raw)
		}
		env.Domain = s
	}

	env.Data = m["data"]

	if raw, ok := m["err"]; ok && raw != nil {
		s, isStr := raw.(string)
		if !isStr {
			s = fmt.Sprint(raw)
		}
		env.Err = &s
	}

	if raw, ok := m["sendKernelNonce"]; ok {
		b, _ := raw.(bool)
		env.SendKernelNonce = b
	}

	return env, nil
}

// ToMap is the inverse of EnvelopeFromMap. Fields that are unset are left
// out, except err on responses.
func (e Envelope) ToMap() map[string]any {
	m := map[string]any{"method": e.Method}
	if e.Nonce != "" {
		m["nonce"] = e.Nonce
	}
	if e.Domain != "" {
		m["domain"] = e.Domain
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.Err != nil {
		m["err"] = *e.Err
	} else if e.Method == MethodResponse {
		m["err"] = nil
	}
	if e.SendKernelNonce {
		m["sendKernelNonce"] = true
	}
	return m
}

func nonceString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("nonce must be a string or integer, got %v", v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("nonce must be a string, got %T", raw)
	}
}
