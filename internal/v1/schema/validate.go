package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validate checks an inbound payload against its event descriptor. The
// returned error reads "<field>: <reason>" and is safe to echo back to
// the client. Sanitizers named by the descriptor run before length
// bounds are measured, so a whitespace-only message fails the minimum.
func Validate(event string, payload []byte) error {
	desc, ok := Lookup(event)
	if !ok {
		return fmt.Errorf("event: unknown event %q", event)
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return errors.New("payload: malformed JSON")
	}
	for _, f := range desc.Fields {
		if err := validateField(f, m); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f Field, m map[string]interface{}) error {
	v, present := m[f.Name]
	if !present || v == nil {
		if f.Required {
			return fmt.Errorf("%s: required", f.Name)
		}
		return nil
	}

	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: must be a string", f.Name)
		}
		if f.Sanitize == SanitizeText {
			s = SanitizeMessage(s)
		}
		n := utf8.RuneCountInString(s)
		if n < f.MinLen || (f.MaxLen > 0 && n > f.MaxLen) {
			if f.MinLen > 0 {
				return fmt.Errorf("%s: must be between %d and %d characters", f.Name, f.MinLen, f.MaxLen)
			}
			return fmt.Errorf("%s: at most %d characters", f.Name, f.MaxLen)
		}

	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: must be a string", f.Name)
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("%s: must be one of %s", f.Name, strings.Join(f.Enum, ", "))

	case KindStringArray:
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%s: must be an array of strings", f.Name)
		}
		if f.MaxItems > 0 && len(arr) > f.MaxItems {
			return fmt.Errorf("%s: at most %d entries", f.Name, f.MaxItems)
		}
		for i, item := range arr {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("%s[%d]: must be a string", f.Name, i)
			}
			if f.MaxItemLen > 0 && utf8.RuneCountInString(s) > f.MaxItemLen {
				return fmt.Errorf("%s[%d]: at most %d characters", f.Name, i, f.MaxItemLen)
			}
		}

	case KindAny:
		// presence already checked above
	}
	return nil
}
