package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/pulse"
)

// decodePayload interprets an incoming message for one point. Three
// encodings, picked by protocolParams["encoding"]:
//
//	scalar (default): the whole payload is one bare value
//	json:             extract protocolParams["json_path"] (dot path)
//	binary:           raw bytes, only sensible for string points
//
// Decoding is best-effort: a malformed payload is an error for this
// point, never a reason to drop the connection.
func decodePayload(p *config.PointDescriptor, payload []byte) (pulse.Value, error) {
	switch p.Param("encoding", "scalar") {
	case "json":
		return decodeJSONPath(p, payload)
	case "binary":
		return pulse.StringValue(string(payload)), nil
	default:
		return parseScalar(p.Type(), strings.TrimSpace(string(payload)))
	}
}

func parseScalar(t pulse.DataType, s string) (pulse.Value, error) {
	if s == "" {
		return pulse.Value{}, fmt.Errorf("empty payload")
	}
	switch t {
	case pulse.TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			// accept 0/1 style and on/off
			switch strings.ToLower(s) {
			case "on", "yes":
				return pulse.BoolValue(true), nil
			case "off", "no":
				return pulse.BoolValue(false), nil
			}
			return pulse.Value{}, fmt.Errorf("payload %q is not a bool", s)
		}
		return pulse.BoolValue(b), nil
	case pulse.TypeString:
		return pulse.StringValue(s), nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return pulse.Value{}, fmt.Errorf("payload %q is not numeric", s)
		}
		return pulse.FloatValueOf(t, f)
	}
}

func decodeJSONPath(p *config.PointDescriptor, payload []byte) (pulse.Value, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return pulse.Value{}, fmt.Errorf("json payload: %w", err)
	}

	path := p.Param("json_path", "value")
	node := doc
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return pulse.Value{}, fmt.Errorf("json path %q: %q is not an object", path, key)
		}
		node, ok = obj[key]
		if !ok {
			return pulse.Value{}, fmt.Errorf("json path %q: key %q missing", path, key)
		}
	}

	switch v := node.(type) {
	case bool:
		if p.Type() == pulse.TypeBool {
			return pulse.BoolValue(v), nil
		}
		if v {
			return pulse.FloatValueOf(p.Type(), 1)
		}
		return pulse.FloatValueOf(p.Type(), 0)
	case float64:
		if p.Type() == pulse.TypeString {
			return pulse.StringValue(strconv.FormatFloat(v, 'g', -1, 64)), nil
		}
		if p.Type() == pulse.TypeBool {
			return pulse.BoolValue(v != 0), nil
		}
		return pulse.FloatValueOf(p.Type(), v)
	case string:
		return parseScalar(p.Type(), v)
	}
	return pulse.Value{}, fmt.Errorf("json path %q: unsupported value type %T", path, node)
}

// encodePayload serializes a value for publish: bare scalar text, or a
// JSON wrap when protocolParams["json_wrap"] names the field to put
// the value under.
func encodePayload(p *config.PointDescriptor, v pulse.Value) ([]byte, error) {
	if field := p.Param("json_wrap", ""); field != "" {
		doc := map[string]any{}
		switch v.Kind() {
		case pulse.TypeBool:
			b, _ := v.Bool()
			doc[field] = b
		case pulse.TypeString:
			doc[field] = v.Text()
		default:
			f, err := v.Float()
			if err != nil {
				return nil, err
			}
			doc[field] = f
		}
		return json.Marshal(doc)
	}
	return []byte(v.Text()), nil
}
