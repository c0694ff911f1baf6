package rows

import (
	"testing"

	"campaign-runner/internal/record"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"(555) 123-4567":   "+15551234567",
		"1-555-123-4567":   "+15551234567",
		"+44 20 7946 0958": "+442079460958",
		"  ":               "",
		"12345":            "12345",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestRowPhone_UsesFirstPresentKey(t *testing.T) {
	r := Row{Variables: record.Record{
		"primary_phone": record.String("555 000 1111"),
		"mobile_phone":  record.String("555 000 2222"),
	}}
	if got := r.Phone(); got != "+15550001111" {
		t.Fatalf("expected primary phone, got %q", got)
	}

	numeric := Row{Variables: record.Record{"phone": record.Number(5550003333)}}
	if got := numeric.Phone(); got != "+15550003333" {
		t.Fatalf("expected numeric phone to normalize, got %q", got)
	}
}
