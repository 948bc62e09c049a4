// Package keyres builds canonical store keys from raw lookup strings under
// the active qualified-name policy.
//
// The store key is always a literal query string, never case-folded:
// case sensitivity governs how the backend resolves a name, not how the
// cache hashes it. The policy decides which *shape* of name is a valid
// cache key at all.
package keyres

import "strings"

// Query is a parsed lookup string.
type Query struct {
	Name  string
	Realm string // empty for a bare name
}

// Qualified reports whether the query carried an explicit realm.
func (q Query) Qualified() bool { return q.Realm != "" }

// Parse splits raw into name and realm. It fails on malformed
// qualification syntax: empty name, empty realm, or more than one '@'.
func Parse(raw string) (Query, bool) {
	if raw == "" {
		return Query{}, false
	}
	i := strings.IndexByte(raw, '@')
	if i < 0 {
		return Query{Name: raw}, true
	}
	name, realm := raw[:i], raw[i+1:]
	if name == "" || realm == "" || strings.IndexByte(realm, '@') >= 0 {
		return Query{}, false
	}
	return Query{Name: name, Realm: realm}, true
}

// LookupKey resolves the store key for a read. With qualifyNames enabled
// only fully-qualified forms are valid keys; disabled, only bare names
// are. A query of the wrong shape (or malformed syntax) has no canonical
// key and can never hit the cache.
func LookupKey(raw string, qualifyNames bool) (string, bool) {
	q, ok := Parse(raw)
	if !ok || q.Qualified() != qualifyNames {
		return "", false
	}
	return raw, true
}

// StoreKey canonicalizes the literal alias a record is cached under after
// a successful backend resolution. With qualifyNames enabled a bare query
// is stored under its fully-qualified form (name@realm, realm supplied by
// the resolved record); disabled, a qualified query is stored under its
// bare name. The literal spelling of the name part is preserved.
func StoreKey(raw, realm string, qualifyNames bool) (string, bool) {
	q, ok := Parse(raw)
	if !ok {
		return "", false
	}
	if qualifyNames {
		if q.Qualified() {
			return raw, true
		}
		if realm == "" {
			return "", false
		}
		return q.Name + "@" + realm, true
	}
	return q.Name, true
}
