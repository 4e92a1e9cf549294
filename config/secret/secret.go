// Package secret holds sensitive configuration values that must never be printed as-is,
// such as artifact store credentials and the passwords a server under test is given.
package secret

import "strings"

type String string

// Mask is what a secret renders as wherever it might end up on a console.
const Mask = "*******"

// String implements fmt.Stringer and masks the sensitive value.
func (s String) String() string {
	return Mask
}

// GoString implements fmt.GoStringer and masks the sensitive value.
func (s String) GoString() string {
	return Mask
}

// Raw returns the sensitive value as a string.
func (s String) Raw() string {
	return string(s)
}

func (s String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Mask + `"`), nil
}

var sensitiveKeyParts = []string{"password", "secret", "credential"}

// IsSensitiveKey reports whether a configuration key names a value that should be masked.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, p := range sensitiveKeyParts {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}
