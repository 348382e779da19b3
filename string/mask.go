// Package string keeps credentials out of logs and terminal output.
package string

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Mask keeps the first half of s and replaces the rest with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := l / 2
	return s[0:h] + strings.Repeat("*", l-h)
}

// MaskURL masks the user info, path and query values of a connection URL.
func MaskURL(urlString string) (string, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse URL")
	}
	var str strings.Builder
	str.WriteString(u.Scheme)
	str.WriteString("://")
	if u.User != nil {
		str.WriteString(Mask(u.User.Username()))
		if pass, ok := u.User.Password(); ok {
			str.WriteString(":")
			str.WriteString(Mask(pass))
		}
		str.WriteString("@")
	}
	str.WriteString(u.Host)
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		str.WriteString("/")
		str.WriteString(Mask(p))
	}
	var qs []string
	for k, v := range u.Query() {
		qs = append(qs, k+"="+Mask(strings.Join(v, ",")))
	}
	sort.Strings(qs)
	if len(qs) > 0 {
		str.WriteString("?")
		str.WriteString(strings.Join(qs, "&"))
	}
	return str.String(), nil
}

// SafeURL is MaskURL for display, masking the whole value when it does not parse.
func SafeURL(urlString string) string {
	if urlString == "" {
		return ""
	}
	masked, err := MaskURL(urlString)
	if err != nil {
		return Mask(urlString)
	}
	return masked
}

// MaskedString holds a secret. It prints masked and marshals to text masked,
// while JSON and YAML keep the real value so configuration round trips.
type MaskedString string

// Text returns the unmasked value.
func (ms MaskedString) Text() string {
	return string(ms)
}

func (ms MaskedString) String() string {
	return Mask(string(ms))
}

func (ms MaskedString) GoString() string {
	return ms.String()
}

func (ms MaskedString) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

func (ms MaskedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(ms))
}

func (ms MaskedString) MarshalYAML() (any, error) {
	return string(ms), nil
}
