package credential

import (
	"encoding/json"
	"strings"

	"github.com/thedevsaddam/gojsonq"
)

// KV is the read side of the credential store: well-known keys mapped to raw
// strings or JSON blobs.
type KV interface {
	Get(key string) (value string, ok bool, err error)
}

// Source extracts a token from one location in the store. Lookup returns ""
// with a nil error when the location holds nothing usable.
type Source interface {
	Name() string
	Lookup(kv KV) (string, error)
}

// JSONPathSource reads a JSON blob stored under Key and extracts the string at
// Path (dot separated, e.g. "state.token").
type JSONPathSource struct {
	Label string
	Key   string
	Path  string
}

func (s JSONPathSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Key + ":" + s.Path
}

func (s JSONPathSource) Lookup(kv KV) (string, error) {
	raw, ok, err := kv.Get(s.Key)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return "", err
	}
	jq := gojsonq.New().FromString(raw)
	v := jq.Find(s.Path)
	if err := jq.Error(); err != nil {
		return "", &ParseError{Key: s.Key, Err: err}
	}
	token, _ := v.(string)
	return strings.TrimSpace(token), nil
}

// FlatSource reads a raw token stored directly under Key. Values persisted as
// JSON string literals (`"abc"`) are unquoted.
type FlatSource struct {
	Key string
}

func (s FlatSource) Name() string { return s.Key }

func (s FlatSource) Lookup(kv KV) (string, error) {
	raw, ok, err := kv.Get(s.Key)
	if err != nil || !ok {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		var unquoted string
		if err := json.Unmarshal([]byte(raw), &unquoted); err != nil {
			return "", &ParseError{Key: s.Key, Err: err}
		}
		raw = strings.TrimSpace(unquoted)
	}
	// Some writers persist a missing token as the literal "null"/"undefined".
	if raw == "null" || raw == "undefined" {
		return "", nil
	}
	return raw, nil
}

// ParseError reports a malformed value in the store. The resolver treats it as
// an absent credential.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return "parse credential " + e.Key + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
