package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
)

// ErrMalformedResult is matched by every error DecodeResult returns.
var ErrMalformedResult = errors.New("malformed result")

// DecodeError describes a payload that could not be decoded.
type DecodeError struct {
	Reason  string
	Payload []byte
	cause   error
}

func (e *DecodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("decode result: %s: %v", e.Reason, e.cause)
	}
	return "decode result: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrMalformedResult, e.cause}
	}
	return []error{ErrMalformedResult}
}

func newDecodeError(reason string, payload []byte, cause error) *DecodeError {
	return &DecodeError{Reason: reason, Payload: bytes.Clone(payload), cause: cause}
}

func EncodeRequest(r Request) ([]byte, error) {
	return jsoncodec.Marshal(r)
}

func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if len(bytes.TrimSpace(data)) == 0 {
		return r, errors.New("decode request: empty payload")
	}
	if err := jsoncodec.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return r, nil
}

// EncodeResult writes r in its externally tagged form.
func EncodeResult(r Result) ([]byte, error) {
	tag := Tag(r)
	if tag == "" {
		return nil, fmt.Errorf("encode result: unsupported type %T", r)
	}
	if success, ok := r.(Success); ok && success.Crystals == nil {
		success.Crystals = []BBox{}
		r = success
	}
	return jsoncodec.Marshal(map[string]Result{tag: r})
}

// DecodeResult parses an externally tagged Result. Failures are *DecodeError.
func DecodeResult(data []byte) (Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newDecodeError("empty payload", data, nil)
	}

	var envelope map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &envelope); err != nil {
		return nil, newDecodeError("invalid envelope", data, err)
	}
	if len(envelope) != 1 {
		return nil, newDecodeError(fmt.Sprintf("expected exactly one variant, got %d", len(envelope)), data, nil)
	}

	for tag, body := range envelope {
		if !isObject(body) {
			return nil, newDecodeError(tag+" body is not an object", data, nil)
		}
		switch tag {
		case TagSuccess:
			var s Success
			if err := jsoncodec.Unmarshal(body, &s); err != nil {
				return nil, newDecodeError("invalid Success body", data, err)
			}
			if field := missingSuccessField(body); field != "" {
				return nil, newDecodeError("Success body missing field "+field, data, nil)
			}
			return s, nil
		case TagNoDetection:
			var n NoDetection
			if err := jsoncodec.Unmarshal(body, &n); err != nil {
				return nil, newDecodeError("invalid NoDetection body", data, err)
			}
			return n, nil
		case TagFailure:
			var f Failure
			if err := jsoncodec.Unmarshal(body, &f); err != nil {
				return nil, newDecodeError("invalid Failure body", data, err)
			}
			if field := firstMissing(fieldsOf(body), "", "error"); field != "" {
				return nil, newDecodeError("Failure body missing field "+field, data, nil)
			}
			return f, nil
		default:
			return nil, newDecodeError(fmt.Sprintf("unknown variant %q", tag), data, nil)
		}
	}
	// unreachable: len(envelope) == 1
	return nil, newDecodeError("empty envelope", data, nil)
}

// job_id is optional in every variant: workers that only echo the AMQP
// correlation id leave it out.
var (
	pointFields = []string{"x", "y"}
	bboxFields  = []string{"left", "right", "top", "bottom"}
)

// missingSuccessField returns the path of the first required field that is
// absent or null, or "" when the body is complete. body has already passed a
// typed decode, so shapes are known to be right.
func missingSuccessField(body json.RawMessage) string {
	top := fieldsOf(body)
	if f := firstMissing(top, "", "plate", "well", "insertion_point", "well_location", "drop", "crystals"); f != "" {
		return f
	}
	if f := firstMissing(fieldsOf(top["insertion_point"]), "insertion_point.", pointFields...); f != "" {
		return f
	}
	location := fieldsOf(top["well_location"])
	if f := firstMissing(location, "well_location.", "center", "radius"); f != "" {
		return f
	}
	if f := firstMissing(fieldsOf(location["center"]), "well_location.center.", pointFields...); f != "" {
		return f
	}
	if f := firstMissing(fieldsOf(top["drop"]), "drop.", bboxFields...); f != "" {
		return f
	}
	var crystals []json.RawMessage
	_ = jsoncodec.Unmarshal(top["crystals"], &crystals)
	for i, c := range crystals {
		if f := firstMissing(fieldsOf(c), fmt.Sprintf("crystals[%d].", i), bboxFields...); f != "" {
			return f
		}
	}
	return ""
}

func fieldsOf(raw json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if len(raw) > 0 {
		_ = jsoncodec.Unmarshal(raw, &fields)
	}
	return fields
}

func firstMissing(fields map[string]json.RawMessage, prefix string, keys ...string) string {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return prefix + key
		}
	}
	return ""
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
