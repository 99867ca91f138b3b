package session

import (
	"encoding/json"
	"strings"

	"devicegateway/internal/wire"
)

// Introspection is the device's self-description: the variables it
// exposes (name -> type) and the functions it exposes (name -> arg
// list, return type). Populated from the device's DescribeReturn
// payload; absent until the first successful Describe.
type Introspection struct {
	Variables map[string]wire.ValueType
	Functions map[string]FunctionSignature
}

// FunctionSignature is one exposed function's argument types and
// return type (device functions always return int32 on this wire
// protocol).
type FunctionSignature struct {
	Args   []wire.ValueType
	Return wire.ValueType
}

// describePayload is the wire JSON shape of a DescribeReturn payload:
// a map of variable name to type name, and a map of function name to
// its ordered argument type names.
type describePayload struct {
	Variables map[string]string   `json:"v"`
	Functions map[string][]string `json:"f"`
}

var typeNames = map[string]wire.ValueType{
	"bool":    wire.TypeBool,
	"int8":    wire.TypeInt8,
	"int16":   wire.TypeInt16,
	"int32":   wire.TypeInt32,
	"uint8":   wire.TypeUint8,
	"uint16":  wire.TypeUint16,
	"uint32":  wire.TypeUint32,
	"float":   wire.TypeFloat,
	"double":  wire.TypeDouble,
	"string":  wire.TypeString,
	"buffer":  wire.TypeBuffer,
}

// ParseIntrospection decodes a DescribeReturn payload.
func ParseIntrospection(raw []byte) (*Introspection, error) {
	var payload describePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &IntrospectionError{Reason: "malformed describe payload: " + err.Error()}
	}

	intro := &Introspection{
		Variables: make(map[string]wire.ValueType, len(payload.Variables)),
		Functions: make(map[string]FunctionSignature, len(payload.Functions)),
	}
	for name, typ := range payload.Variables {
		intro.Variables[name] = typeFor(typ)
	}
	for name, args := range payload.Functions {
		sig := FunctionSignature{Return: wire.TypeInt32}
		for _, a := range args {
			sig.Args = append(sig.Args, typeFor(a))
		}
		intro.Functions[name] = sig
	}
	return intro, nil
}

func typeFor(name string) wire.ValueType {
	if t, ok := typeNames[name]; ok {
		return t
	}
	// default to string when the device names a type the gateway
	// doesn't recognize, per spec.md's "default string if unknown".
	return wire.TypeString
}

// VariableType returns the cached type for name, defaulting to string
// when introspection is absent or doesn't know the variable.
func (i *Introspection) VariableType(name string) wire.ValueType {
	if i == nil {
		return wire.TypeString
	}
	if t, ok := i.Variables[name]; ok {
		return t
	}
	return wire.TypeString
}

// Function returns the cached signature for name, defaulting to a
// no-arg, int32-returning signature when introspection is absent or
// doesn't know the function.
func (i *Introspection) Function(name string) FunctionSignature {
	if i == nil {
		return FunctionSignature{Return: wire.TypeInt32}
	}
	if sig, ok := i.Functions[name]; ok {
		return sig
	}
	return FunctionSignature{Return: wire.TypeInt32}
}

// EncodeFunctionArgs turns the comma-separated argument string the
// API passes into the URI-query string the wire protocol sends by
// replacing each comma with "&". The signature is not consulted: the
// arguments are neither counted nor converted per their types.
func EncodeFunctionArgs(sig FunctionSignature, rawArgs string) string {
	parts := strings.Split(rawArgs, ",")
	return strings.Join(parts, "&")
}
