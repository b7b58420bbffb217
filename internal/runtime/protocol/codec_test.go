package protocol

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPlate = uuid.MustParse("4f8e7d5a-2b1c-4a3d-9e8f-1a2b3c4d5e6f")

func sampleSuccess() Success {
	return Success{
		JobID:          "01J9Z3XKQ4M2T6V8W0Y1Z2A3B4",
		Plate:          testPlate,
		Well:           3,
		InsertionPoint: Point{X: 120, Y: 340},
		WellLocation:   Circle{Center: Point{X: 600, Y: 500}, Radius: 410},
		Drop:           BBox{Left: 100, Right: 900, Top: 80, Bottom: 760},
		Crystals: []BBox{
			{Left: 300, Right: 340, Top: 200, Bottom: 260},
			{Left: 500, Right: 520, Top: 410, Bottom: 450},
		},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{ID: "01J9Z3XKQ4M2T6V8W0Y1Z2A3B4", Plate: testPlate, Well: 3, DownloadURL: "https://images.local/p1/3.jpg"}

	data, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"01J9Z3XKQ4M2T6V8W0Y1Z2A3B4","plate":"4f8e7d5a-2b1c-4a3d-9e8f-1a2b3c4d5e6f","well":3,"download_url":"https://images.local/p1/3.jpg"}`, string(data))

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestRequestEncodingIsDeterministic(t *testing.T) {
	req := Request{ID: "a", Plate: testPlate, Well: 1, DownloadURL: "u"}
	first, err := EncodeRequest(req)
	require.NoError(t, err)
	second, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeRequestErrors(t *testing.T) {
	_, err := DecodeRequest(nil)
	assert.Error(t, err)

	_, err = DecodeRequest([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestResultRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		tag    string
	}{
		{"success", sampleSuccess(), TagSuccess},
		{"success without crystals", Success{JobID: "j", Plate: testPlate, Crystals: []BBox{}}, TagSuccess},
		{"no detection", NoDetection{JobID: "j2"}, TagNoDetection},
		{"failure", Failure{JobID: "j3", Error: "model crashed"}, TagFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResult(tt.result)
			require.NoError(t, err)

			decoded, err := DecodeResult(data)
			require.NoError(t, err)
			assert.Equal(t, tt.result, decoded)
			assert.Equal(t, tt.tag, Tag(decoded))
		})
	}
}

func TestEncodeResultShape(t *testing.T) {
	data, err := EncodeResult(Failure{JobID: "j", Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Failure":{"job_id":"j","error":"boom"}}`, string(data))

	data, err = EncodeResult(sampleSuccess())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"well_location":{"center":{"x":600,"y":500},"radius":410}`)
	assert.Contains(t, string(data), `"insertion_point":{"x":120,"y":340}`)
}

func TestEncodeResultRejectsNil(t *testing.T) {
	_, err := EncodeResult(nil)
	assert.Error(t, err)
}

func TestDecodeResultFailures(t *testing.T) {
	full, err := EncodeResult(sampleSuccess())
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		reason  string
	}{
		{"empty", nil, "empty payload"},
		{"whitespace", []byte("  \n"), "empty payload"},
		{"truncated", full[:len(full)/2], "invalid envelope"},
		{"not json", []byte("Success"), "invalid envelope"},
		{"array", []byte(`[{"Success":{}}]`), "invalid envelope"},
		{"unknown tag", []byte(`{"Partial":{"job_id":"j"}}`), `unknown variant "Partial"`},
		{"no keys", []byte(`{}`), "expected exactly one variant, got 0"},
		{"two keys", []byte(`{"NoDetection":{"job_id":"a"},"Failure":{"job_id":"b","error":"x"}}`), "expected exactly one variant, got 2"},
		{"body not object", []byte(`{"Failure":"boom"}`), "Failure body is not an object"},
		{"null body", []byte(`{"NoDetection":null}`), "NoDetection body is not an object"},
		{"body type mismatch", []byte(`{"Success":{"well":"three"}}`), "invalid Success body"},
		{"bad plate", []byte(`{"Success":{"plate":"not-a-uuid"}}`), "invalid Success body"},
		{"empty success", []byte(`{"Success":{}}`), "Success body missing field plate"},
		{"success without drop", []byte(`{"Success":{"plate":"` + testPlate.String() + `","well":3,"insertion_point":{"x":1,"y":2},"well_location":{"center":{"x":1,"y":2},"radius":4},"crystals":[]}}`), "missing field drop"},
		{"success with null crystals", []byte(`{"Success":{"plate":"` + testPlate.String() + `","well":3,"insertion_point":{"x":1,"y":2},"well_location":{"center":{"x":1,"y":2},"radius":4},"drop":{"left":1,"right":2,"top":3,"bottom":4},"crystals":null}}`), "missing field crystals"},
		{"success with partial point", []byte(`{"Success":{"plate":"` + testPlate.String() + `","well":3,"insertion_point":{"x":1},"well_location":{"center":{"x":1,"y":2},"radius":4},"drop":{"left":1,"right":2,"top":3,"bottom":4},"crystals":[]}}`), "missing field insertion_point.y"},
		{"success without well radius", []byte(`{"Success":{"plate":"` + testPlate.String() + `","well":3,"insertion_point":{"x":1,"y":2},"well_location":{"center":{"x":1,"y":2}},"drop":{"left":1,"right":2,"top":3,"bottom":4},"crystals":[]}}`), "missing field well_location.radius"},
		{"crystal without bottom", []byte(`{"Success":{"plate":"` + testPlate.String() + `","well":3,"insertion_point":{"x":1,"y":2},"well_location":{"center":{"x":1,"y":2},"radius":4},"drop":{"left":1,"right":2,"top":3,"bottom":4},"crystals":[{"left":1,"right":2,"top":3}]}}`), "missing field crystals[0].bottom"},
		{"empty failure", []byte(`{"Failure":{}}`), "Failure body missing field error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := DecodeResult(tt.payload)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, ErrMalformedResult))

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Contains(t, decodeErr.Reason, tt.reason)
			assert.Equal(t, []byte(tt.payload), decodeErr.Payload)
		})
	}
}

func TestDecodeErrorWrapsCause(t *testing.T) {
	_, err := DecodeResult([]byte(`{"Success":{"well":"three"}}`))
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	wrapped := decodeErr.Unwrap()
	require.Len(t, wrapped, 2)
	assert.Equal(t, ErrMalformedResult, wrapped[0])
	assert.Contains(t, err.Error(), "invalid Success body")
}

func TestDecodeResultOptionalJobID(t *testing.T) {
	result, err := DecodeResult([]byte(`{"NoDetection":{}}`))
	require.NoError(t, err)
	assert.Equal(t, NoDetection{}, result)

	result, err = DecodeResult([]byte(`{"Failure":{"error":"model crashed"}}`))
	require.NoError(t, err)
	assert.Equal(t, Failure{Error: "model crashed"}, result)
}

func TestEncodeResultWritesEmptyCrystals(t *testing.T) {
	s := sampleSuccess()
	s.Crystals = nil
	data, err := EncodeResult(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"crystals":[]`)

	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.(Success).Crystals)
}

func TestResultJobID(t *testing.T) {
	assert.Equal(t, "a", Success{JobID: "a"}.ResultJobID())
	assert.Equal(t, "b", NoDetection{JobID: "b"}.ResultJobID())
	assert.Equal(t, "c", Failure{JobID: "c"}.ResultJobID())
	assert.Equal(t, "", Tag(nil))
}
