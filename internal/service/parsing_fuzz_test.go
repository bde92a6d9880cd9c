package service

import (
	"encoding/json"
	"errors"
	"testing"
)

func FuzzParseRulesJSON(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{"attribute":"country","operator":"equals","value":"US"}]`))
	f.Add([]byte(`{"invalid":true}`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		rules, err := parseRulesJSON(json.RawMessage(payload))
		if len(payload) == 0 {
			if err != nil || len(rules) != 0 {
				t.Fatalf("parseRulesJSON(empty) = (%v, %v), want (empty, nil)", rules, err)
			}
			return
		}

		if err != nil && !errors.Is(err, ErrInvalidRules) {
			t.Fatalf("parseRulesJSON(%q) error = %v, want ErrInvalidRules-wrapped error", payload, err)
		}
	})
}

func FuzzValidateValueJSON(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`{"message":"hello"}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`"bare string"`))
	f.Add([]byte(`{"message"`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		err := validateValueJSON(json.RawMessage(payload))
		if len(payload) == 0 {
			if err != nil {
				t.Fatalf("validateValueJSON(empty) error = %v, want nil", err)
			}
			return
		}

		if err != nil && !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("validateValueJSON(%q) error = %v, want ErrInvalidValue-wrapped error", payload, err)
		}

		if err == nil && !json.Valid(payload) {
			t.Fatalf("validateValueJSON(%q) = nil for invalid JSON", payload)
		}
	})
}
