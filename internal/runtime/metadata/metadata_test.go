package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{KeyJobID: "01A", KeyReplyTo: "reply"}
	clone := original.Clone()
	clone[KeyJobID] = "changed"

	if original[KeyJobID] != "01A" {
		t.Fatalf("expected original map to stay untouched, got %q", original[KeyJobID])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneNil(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", cloned)
	}
}

func TestWithSkipsEmptyValues(t *testing.T) {
	base := Metadata{KeyFailureStage: "submit"}
	enriched := base.With(KeyFailureError, "rejected").With(KeyJobID, "")

	if _, ok := base[KeyFailureError]; ok {
		t.Fatal("expected base map to remain unchanged")
	}
	if enriched[KeyFailureError] != "rejected" {
		t.Fatal("expected enriched map to add entry")
	}
	if _, ok := enriched[KeyJobID]; ok {
		t.Fatal("expected empty value to be skipped")
	}
}

func TestNewPairs(t *testing.T) {
	md := New(KeyJobID, "01A", KeyReplyTo, "reply", "dangling")
	if md[KeyJobID] != "01A" || md[KeyReplyTo] != "reply" {
		t.Fatalf("unexpected metadata %#v", md)
	}
	if len(md) != 2 {
		t.Fatalf("expected dangling key to be ignored, got %#v", md)
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{KeyFailureStage: "decode"}
	wm := ToWatermill(md)
	if wm[KeyFailureStage] != "decode" {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm[KeyFailureStage] = "submit"
	if md[KeyFailureStage] != "decode" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	back := FromWatermill(message.Metadata{KeyJobID: "01B"})
	if back[KeyJobID] != "01B" {
		t.Fatalf("expected watermill metadata to convert back")
	}
	if FromWatermill(nil) == nil {
		t.Fatal("expected non-nil map")
	}
}
