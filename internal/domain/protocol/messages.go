package protocol

import "encoding/base64"

// Message is the sum type produced by Parse. Each variant carries exactly
// the fields its method requires.
type Message interface {
	Method() string
	isMessage()
}

// Version asks for the kernel distribution and version.
type Version struct {
	Nonce string
}

// CheckErrs asks for the list of notable kernel errors.
type CheckErrs struct {
	Nonce string
}

// ModuleCall asks the kernel to run Method on Module with Input.
type ModuleCall struct {
	Nonce           string
	Module          string
	ModuleMethod    string
	Input           any
	Domain          string // only honoured for extension callers
	SendKernelNonce bool
}

// QueryUpdate carries extra input for an open query.
type QueryUpdate struct {
	Nonce string
	Data  any
}

// ResponseUpdate carries intermediate output of an open query.
type ResponseUpdate struct {
	Nonce string
	Data  any
}

// Response is the single terminal message of a query. Exactly one of Err
// and Data is non-nil.
type Response struct {
	Nonce string
	Data  any
	Err   *string
}

// Log is a log line emitted by a module.
type Log struct {
	IsErr   bool
	Message string
}

// GetModuleOverrides asks for the current override list.
type GetModuleOverrides struct {
	Nonce string
}

// SetModuleOverrides replaces the override list.
type SetModuleOverrides struct {
	Nonce     string
	Overrides map[string]Override
}

// Override points a module identity at different code. The identity keeps
// its domain and seed.
type Override struct {
	Override string `json:"override" toml:"override"`
	Notes    string `json:"notes" toml:"notes"`
}

func (Version) Method() string            { return MethodVersion }
func (CheckErrs) Method() string          { return MethodCheckErrs }
func (ModuleCall) Method() string         { return MethodModuleCall }
func (QueryUpdate) Method() string        { return MethodQueryUpdate }
func (ResponseUpdate) Method() string     { return MethodResponseUpdate }
func (Response) Method() string           { return MethodResponse }
func (Log) Method() string                { return MethodLog }
func (GetModuleOverrides) Method() string { return MethodGetModuleOverrides }
func (SetModuleOverrides) Method() string { return MethodSetModuleOverrides }

func (Version) isMessage()            {}
func (CheckErrs) isMessage()          {}
func (ModuleCall) isMessage()         {}
func (QueryUpdate) isMessage()        {}
func (ResponseUpdate) isMessage()     {}
func (Response) isMessage()           {}
func (Log) isMessage()                {}
func (GetModuleOverrides) isMessage() {}
func (SetModuleOverrides) isMessage() {}

// IdentityLength is the length of a module identity string.
const IdentityLength = 46

// identityBytes is the decoded length of a module identity.
const identityBytes = 34

// ValidIdentity reports whether s is a syntactically valid module identity:
// 46 characters of unpadded base64url decoding to 34 bytes.
func ValidIdentity(s string) bool {
	if len(s) != IdentityLength {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(raw) == identityBytes
}
