package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies validation failures.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota + 1
	KindPrivilege
	KindUnknownMethod
	KindProtocolFault
)

// String returns the string representation of the kind
func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindPrivilege:
		return "privilege"
	case KindUnknownMethod:
		return "unknown_method"
	case KindProtocolFault:
		return "protocol_fault"
	default:
		return "unknown"
	}
}

// Error is a validation failure. Its message is what the sender sees.
type Error struct {
	Kind   ErrorKind
	Method string
	Msg    string
}

func (e *Error) Error() string {
	return e.Msg
}

// KindOf returns the kind of a validation error, or 0.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

func malformed(method, format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Method: method, Msg: fmt.Sprintf(format, args...)}
}

// maxOverrideNotes bounds the notes attached to an override.
const maxOverrideNotes = 140

// Parse validates env and returns the matching Message variant. Checks run
// in a fixed order and the first failure wins: method present, nonce present
// (every method except log), then method-specific shape.
func Parse(env Envelope) (Message, error) {
	if env.Method == "" {
		return nil, malformed("", "message is missing 'method' field")
	}
	if env.Method != MethodLog && env.Nonce == "" {
		return nil, malformed(env.Method, "message is missing 'nonce' field")
	}

	switch env.Method {
	case MethodVersion:
		return Version{Nonce: env.Nonce}, nil
	case MethodCheckErrs:
		return CheckErrs{Nonce: env.Nonce}, nil
	case MethodModuleCall:
		return parseModuleCall(env)
	case MethodQueryUpdate:
		return QueryUpdate{Nonce: env.Nonce, Data: env.Data}, nil
	case MethodResponseUpdate:
		return ResponseUpdate{Nonce: env.Nonce, Data: env.Data}, nil
	case MethodResponse:
		return parseResponse(env)
	case MethodLog:
		return parseLog(env)
	case MethodGetModuleOverrides:
		return GetModuleOverrides{Nonce: env.Nonce}, nil
	case MethodSetModuleOverrides:
		return parseSetOverrides(env)
	case MethodPresentSeed:
		return nil, &Error{
			Kind:   KindPrivilege,
			Method: env.Method,
			Msg:    "presentSeed is a privileged method, only root is allowed to use it",
		}
	default:
		return nil, &Error{
			Kind:   KindUnknownMethod,
			Method: env.Method,
			Msg:    "unrecognized method: " + env.Method,
		}
	}
}

func parseModuleCall(env Envelope) (Message, error) {
	data, ok := env.Data.(map[string]any)
	if !ok {
		return nil, malformed(env.Method, "moduleCall is missing 'data' object")
	}

	rawModule, ok := data["module"]
	if !ok {
		return nil, malformed(env.Method, "moduleCall is missing 'module' field")
	}
	module, ok := rawModule.(string)
	if !ok || !ValidIdentity(module) {
		return nil, malformed(env.Method, "'module' field in moduleCall is expected to be a base64 skylink")
	}

	rawMethod, ok := data["method"]
	if !ok {
		return nil, malformed(env.Method, "no 'data.method' specified, module does not know what method to run")
	}
	method, ok := rawMethod.(string)
	if !ok {
		return nil, malformed(env.Method, "'data.method' needs to be a string")
	}
	if method == MethodPresentSeed {
		return nil, &Error{
			Kind:   KindPrivilege,
			Method: env.Method,
			Msg:    "presentSeed is a privileged method, only root is allowed to use it",
		}
	}

	input, ok := data["data"]
	if !ok {
		return nil, malformed(env.Method, "no field data.data in moduleCall, data.data contains the module input")
	}

	return ModuleCall{
		Nonce:           env.Nonce,
		Module:          module,
		ModuleMethod:    method,
		Input:           input,
		Domain:          env.Domain,
		SendKernelNonce: env.SendKernelNonce,
	}, nil
}

func parseResponse(env Envelope) (Message, error) {
	errNull := env.Err == nil
	dataNull := env.Data == nil
	if errNull == dataNull {
		return nil, &Error{
			Kind:   KindProtocolFault,
			Method: env.Method,
			Msg:    "exactly one of err and data must be null",
		}
	}
	return Response{Nonce: env.Nonce, Data: env.Data, Err: env.Err}, nil
}

func parseLog(env Envelope) (Message, error) {
	data, ok := env.Data.(map[string]any)
	if !ok {
		return nil, malformed(env.Method, "received log with no data field")
	}
	message, ok := data["message"].(string)
	if !ok {
		return nil, malformed(env.Method, "log data.message is not of type 'string'")
	}
	isErr := false
	if raw, present := data["isErr"]; present && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, malformed(env.Method, "log data.isErr is not of type 'boolean'")
		}
		isErr = b
	}
	return Log{IsErr: isErr, Message: message}, nil
}

func parseSetOverrides(env Envelope) (Message, error) {
	data, ok := env.Data.(map[string]any)
	if !ok {
		return nil, malformed(env.Method, "provided call data is not an object")
	}
	raw, ok := data["newOverrides"].(map[string]any)
	if !ok {
		return nil, malformed(env.Method, "newOverrides needs to be a key-value list of module overrides")
	}

	overrides := make(map[string]Override, len(raw))
	for key, value := range raw {
		if !ValidIdentity(key) {
			return nil, malformed(env.Method, "module identifiers should be valid skylinks")
		}
		entry, ok := value.(map[string]any)
		if !ok {
			return nil, malformed(env.Method, "provided data is not a valid list of module overrides")
		}
		notes, ok := entry["notes"].(string)
		if !ok {
			return nil, malformed(env.Method, "every module override should have a notes field")
		}
		if len(notes) > maxOverrideNotes {
			return nil, malformed(env.Method, "override notes are limited to %d characters", maxOverrideNotes)
		}
		target, ok := entry["override"].(string)
		if !ok {
			return nil, malformed(env.Method, "every module override should have an override field")
		}
		if !ValidIdentity(target) {
			return nil, malformed(env.Method, "override is not a valid skylink")
		}
		overrides[key] = Override{Override: target, Notes: notes}
	}

	return SetModuleOverrides{Nonce: env.Nonce, Overrides: overrides}, nil
}
