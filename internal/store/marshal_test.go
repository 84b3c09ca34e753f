package store

import (
	"database/sql"
	"testing"
	"time"
)

func TestNanos_ZeroIsNull(t *testing.T) {
	if n := nanos(time.Time{}); n.Valid {
		t.Errorf("nanos(zero) = %+v, want NULL", n)
	}
	if got := fromNanos(sql.NullInt64{}); !got.IsZero() {
		t.Errorf("fromNanos(NULL) = %v, want zero", got)
	}
}

func TestNanos_RoundTripUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	in := time.Date(2025, 3, 4, 10, 30, 0, 123456789, loc)

	got := fromNanos(nanos(in))
	if !got.Equal(in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

func TestMarshalJSON_NoHTMLEscape(t *testing.T) {
	got, err := marshalJSON("note", map[string]string{"note": "<b>&</b>"})
	if err != nil {
		t.Fatalf("marshalJSON() failed: %v", err)
	}
	want := `{"note":"<b>&</b>"}`
	if got != want {
		t.Errorf("marshalJSON() = %s, want %s", got, want)
	}
}

func TestUnmarshalJSON_EmptyLeavesValue(t *testing.T) {
	v := map[string]string{"keep": "me"}
	if err := unmarshalJSON("meta", "", &v); err != nil {
		t.Fatalf("unmarshalJSON() failed: %v", err)
	}
	if v["keep"] != "me" {
		t.Errorf("value changed: %v", v)
	}
}

func TestUnmarshalJSON_Invalid(t *testing.T) {
	var v map[string]string
	if err := unmarshalJSON("meta", "{not json", &v); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
