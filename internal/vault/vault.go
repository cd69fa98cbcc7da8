// Package vault holds the sensitive key/value pairs supplied with a single task request.
//
// A Vault lives exactly as long as the request that built it. Values are only
// handed out by Lookup and Substitute, which the browser driver uses when it
// fills form fields; everything that leaves the process (refiner payloads,
// logs, persisted history, responses) goes through Mask or Redact first.
package vault

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ErrDuplicateKey is returned when a request repeats a sensitive key.
var ErrDuplicateKey = errors.New("duplicate sensitive key")

// ErrEmptyKey is returned for a sensitive item without a key.
var ErrEmptyKey = errors.New("sensitive key is empty")

var placeholderRe = regexp.MustCompile(`<secret>([^<]+)</secret>`)

// Placeholder returns the token the planner sees in place of a secret value.
func Placeholder(key string) string {
	return "<secret>" + key + "</secret>"
}

// HasPlaceholder reports whether s contains a masked credential.
func HasPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

// Vault is an ordered, request-scoped set of credentials.
type Vault struct {
	keys   []string
	values map[string]string
}

// New builds a vault from request items, preserving their order.
func New(items []models.SensitiveItem) (*Vault, error) {
	v := &Vault{values: make(map[string]string, len(items))}
	for _, item := range items {
		key := strings.TrimSpace(item.Key)
		if key == "" {
			return nil, ErrEmptyKey
		}
		if _, exists := v.values[key]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		v.keys = append(v.keys, key)
		v.values[key] = item.Value
	}
	return v, nil
}

// Empty reports whether the vault holds no credentials. A nil vault is empty.
func (v *Vault) Empty() bool {
	return v == nil || len(v.keys) == 0
}

// Keys returns the credential names in request order.
func (v *Vault) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Lookup returns the value stored under key.
func (v *Vault) Lookup(key string) (string, bool) {
	if v == nil {
		return "", false
	}
	val, ok := v.values[key]
	return val, ok
}

// Substitute replaces every placeholder in s with its value. Unknown keys are
// reported so the driver can refuse to type a literal placeholder.
func (v *Vault) Substitute(s string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if val, ok := v.Lookup(key); ok {
			return val
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown sensitive key(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Mask replaces literal secret values in s with their placeholders.
func (v *Vault) Mask(s string) string {
	if v.Empty() || s == "" {
		return s
	}
	for _, key := range v.byValueLength() {
		val := v.values[key]
		if val == "" {
			continue
		}
		s = strings.ReplaceAll(s, val, Placeholder(key))
	}
	return s
}

// Redact is Mask under the name used on outbound paths (logs, responses, history).
func (v *Vault) Redact(s string) string {
	return v.Mask(s)
}

// byValueLength orders keys longest value first so a secret that contains
// another secret is masked as a whole.
func (v *Vault) byValueLength() []string {
	keys := v.Keys()
	sort.SliceStable(keys, func(i, j int) bool {
		return len(v.values[keys[i]]) > len(v.values[keys[j]])
	})
	return keys
}
