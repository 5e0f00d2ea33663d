package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type ConfigKind string

const (
	ConfigKindString ConfigKind = "string"
	ConfigKindNumber ConfigKind = "number"
	ConfigKindBool   ConfigKind = "bool"
)

// ConfigValue is a single workflow configuration scalar: a string, a number or a bool.
// It encodes as the bare scalar in both JSON and msgpack.
type ConfigValue struct {
	kind ConfigKind
	str  string
	num  float64
	b    bool
}

type WorkflowConfig map[string]ConfigValue

func (c WorkflowConfig) Clone() WorkflowConfig {
	if c == nil {
		return nil
	}
	out := make(WorkflowConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Validate rejects zero values. A zero value has no scalar encoding, so it would not survive a
// snapshot round trip.
func (c WorkflowConfig) Validate() error {
	for k, v := range c {
		if v.IsZero() {
			return fmt.Errorf("%w: config key %q has no value", rmerrors.ErrInvalidConfigValue, k)
		}
	}
	return nil
}

func StringValue(s string) ConfigValue { return ConfigValue{kind: ConfigKindString, str: s} }

func NumberValue(n float64) ConfigValue { return ConfigValue{kind: ConfigKindNumber, num: n} }

func BoolValue(b bool) ConfigValue { return ConfigValue{kind: ConfigKindBool, b: b} }

// ConfigValueOf converts a decoded scalar into a ConfigValue.
func ConfigValueOf(raw interface{}) (ConfigValue, error) {
	switch v := raw.(type) {
	case string:
		return StringValue(v), nil
	case bool:
		return BoolValue(v), nil
	case float64:
		return NumberValue(v), nil
	case float32:
		return NumberValue(float64(v)), nil
	case int:
		return NumberValue(float64(v)), nil
	case int8:
		return NumberValue(float64(v)), nil
	case int16:
		return NumberValue(float64(v)), nil
	case int32:
		return NumberValue(float64(v)), nil
	case int64:
		return NumberValue(float64(v)), nil
	case uint:
		return NumberValue(float64(v)), nil
	case uint8:
		return NumberValue(float64(v)), nil
	case uint16:
		return NumberValue(float64(v)), nil
	case uint32:
		return NumberValue(float64(v)), nil
	case uint64:
		return NumberValue(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return ConfigValue{}, fmt.Errorf("%w: %q", rmerrors.ErrInvalidConfigValue, v.String())
		}
		return NumberValue(f), nil
	default:
		return ConfigValue{}, fmt.Errorf("%w: unsupported type %T", rmerrors.ErrInvalidConfigValue, raw)
	}
}

// NewWorkflowConfig converts a loosely typed map, e.g. a decoded request body, into a WorkflowConfig.
func NewWorkflowConfig(raw map[string]interface{}) (WorkflowConfig, error) {
	out := make(WorkflowConfig, len(raw))
	for k, v := range raw {
		cv, err := ConfigValueOf(v)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func (v ConfigValue) Kind() ConfigKind { return v.kind }

func (v ConfigValue) IsZero() bool { return v.kind == "" }

func (v ConfigValue) AsString() (string, bool) { return v.str, v.kind == ConfigKindString }

func (v ConfigValue) AsNumber() (float64, bool) { return v.num, v.kind == ConfigKindNumber }

func (v ConfigValue) AsBool() (bool, bool) { return v.b, v.kind == ConfigKindBool }

func (v ConfigValue) Interface() interface{} {
	switch v.kind {
	case ConfigKindString:
		return v.str
	case ConfigKindNumber:
		return v.num
	case ConfigKindBool:
		return v.b
	default:
		return nil
	}
}

func (v ConfigValue) String() string {
	switch v.kind {
	case ConfigKindString:
		return v.str
	case ConfigKindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ConfigKindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v ConfigValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *ConfigValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ConfigValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

var (
	_ msgpack.CustomEncoder = ConfigValue{}
	_ msgpack.CustomDecoder = (*ConfigValue)(nil)
)

func (v ConfigValue) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case ConfigKindString:
		return enc.EncodeString(v.str)
	case ConfigKindNumber:
		return enc.EncodeFloat64(v.num)
	case ConfigKindBool:
		return enc.EncodeBool(v.b)
	default:
		return enc.EncodeNil()
	}
}

func (v *ConfigValue) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	parsed, err := ConfigValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
