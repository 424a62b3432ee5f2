package proxy

import (
	"net/url"
	"strings"
)

// Form holds the merged query string and body fields of a request. Keys are
// case-insensitive; values keep their order, query fields first.
type Form map[string][]string

// ParseForm merges rawQuery and an application/x-www-form-urlencoded body.
// Malformed pairs are skipped rather than failing the whole request.
func ParseForm(rawQuery string, body []byte) Form {
	f := make(Form)
	f.add(rawQuery)
	f.add(string(body))
	return f
}

func (f Form) add(s string) {
	for _, pair := range strings.Split(s, "&") {
		pair = strings.TrimRight(pair, "\r\n")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		key = strings.ToLower(key)
		f[key] = append(f[key], val)
	}
}

// Get returns the first value for key, or "".
func (f Form) Get(key string) string {
	if vs := f[strings.ToLower(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// All returns every value for key in order.
func (f Form) All(key string) []string {
	return f[strings.ToLower(key)]
}
