package remote

import (
	"sort"
	"strings"
)

// Capabilities is a set of server capabilities. A capability may carry a
// value ("agent=git/2.45", "symref=HEAD:refs/heads/main"); the same key may
// appear more than once in v0 advertisements.
type Capabilities struct {
	set map[string][]string
}

// ParseCapabilities parses a space-separated v0 capability list.
func ParseCapabilities(raw string) Capabilities {
	c := Capabilities{set: make(map[string][]string)}
	for _, field := range strings.Fields(raw) {
		c.add(field)
	}
	return c
}

func (c *Capabilities) add(field string) {
	if c.set == nil {
		c.set = make(map[string][]string)
	}
	key, value, _ := strings.Cut(field, "=")
	if key == "" {
		return
	}
	c.set[key] = append(c.set[key], value)
}

// Has reports whether the capability is present.
func (c Capabilities) Has(name string) bool {
	_, ok := c.set[name]
	return ok
}

// Get returns the first value of the capability.
func (c Capabilities) Get(name string) (string, bool) {
	vals, ok := c.set[name]
	if !ok || len(vals) == 0 {
		return "", ok
	}
	return vals[0], true
}

// Values returns every value advertised for name.
func (c Capabilities) Values(name string) []string {
	return c.set[name]
}

// HasValue reports whether name was advertised with a value containing
// feature as one of its space-separated words ("fetch=shallow wait-for-done").
func (c Capabilities) HasValue(name, feature string) bool {
	for _, v := range c.set[name] {
		for _, f := range strings.Fields(v) {
			if f == feature {
				return true
			}
		}
	}
	return false
}

// String returns the sorted capability list.
func (c Capabilities) String() string {
	var fields []string
	for k, vals := range c.set {
		for _, v := range vals {
			if v == "" {
				fields = append(fields, k)
				continue
			}
			fields = append(fields, k+"="+v)
		}
	}
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
