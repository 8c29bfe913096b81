package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"gocv.io/x/gocv"
)

// Params is a decoded, validated parameter set for one operation.
type Params interface {
	Validate() error
}

// NoParams is the parameter set of operations that take none.
type NoParams struct{}

func (NoParams) Validate() error { return nil }

// Operation is a named transform with typed parameters.
type Operation struct {
	Name     string
	Category Category
	Summary  string

	defaults Params
	decode   func(raw json.RawMessage) (Params, error)
	apply    func(src gocv.Mat, p Params) (gocv.Mat, string, error)
}

// New builds an operation from a typed transform. defaults must be a struct value;
// request parameters are decoded over a copy of it and validated before fn runs.
func New[P Params](name string, category Category, summary string, defaults P, fn func(src gocv.Mat, p P) (gocv.Mat, string, error)) *Operation {
	return &Operation{
		Name:     name,
		Category: category,
		Summary:  summary,
		defaults: defaults,
		decode: func(raw json.RawMessage) (Params, error) {
			return decodeParams(raw, defaults)
		},
		apply: func(src gocv.Mat, p Params) (gocv.Mat, string, error) {
			typed, ok := p.(P)
			if !ok {
				return gocv.NewMat(), "", fmt.Errorf("%s: unexpected parameter type %T", name, p)
			}
			return fn(src, typed)
		},
	}
}

// Decode turns raw JSON parameters into the operation's validated parameter set.
// Empty or null input yields the defaults.
func (o *Operation) Decode(raw json.RawMessage) (Params, error) {
	p, err := o.decode(raw)
	if err != nil {
		return nil, &ParamError{Operation: o.Name, Err: err}
	}
	return p, nil
}

// Apply runs the transform. src is never modified; the caller owns the returned Mat.
func (o *Operation) Apply(src gocv.Mat, p Params) (gocv.Mat, string, error) {
	if src.Empty() {
		return gocv.NewMat(), "", fmt.Errorf("%s: empty input image", o.Name)
	}
	return o.apply(src, p)
}

// Run decodes raw parameters and applies the transform.
func (o *Operation) Run(src gocv.Mat, raw json.RawMessage) (gocv.Mat, string, error) {
	p, err := o.Decode(raw)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	return o.Apply(src, p)
}

// Defaults returns the default parameter set.
func (o *Operation) Defaults() Params {
	return o.defaults
}

func decodeParams[P Params](raw json.RawMessage, defaults P) (P, error) {
	var p P
	// deep copy so decoded slices never alias the shared defaults
	seed, err := json.Marshal(defaults)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(seed, &p); err != nil {
		return p, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return p, err
		}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// ParamInfo describes one parameter for discovery listings.
type ParamInfo struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Default any      `json:"default"`
	Options []string `json:"options,omitempty"`
}

// Parameters describes the operation's parameters from its defaults struct.
// Struct fields use `json` for the name and an optional `options:"a,b"` tag for enums.
func (o *Operation) Parameters() []ParamInfo {
	v := reflect.ValueOf(o.defaults)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	infos := make([]ParamInfo, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		info := ParamInfo{
			Name:    name,
			Type:    typeName(field.Type),
			Default: v.Field(i).Interface(),
		}
		if field.Type.Kind() == reflect.Pointer && v.Field(i).IsNil() {
			info.Default = nil
		}
		if opts := field.Tag.Get("options"); opts != "" {
			info.Options = strings.Split(opts, ",")
		}
		infos = append(infos, info)
	}
	return infos
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return typeName(t.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Bool:
		return "bool"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return typeName(t.Elem()) + "[]"
	default:
		return t.Kind().String()
	}
}
