package keyres

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		raw   string
		ok    bool
		name  string
		realm string
	}{
		{"user1", true, "user1", ""},
		{"User1", true, "User1", ""},
		{"user1@test", true, "user1", "test"},
		{"user1@sub.example.org", true, "user1", "sub.example.org"},
		{"", false, "", ""},
		{"@test", false, "", ""},
		{"user1@", false, "", ""},
		{"user1@a@b", false, "", ""},
	}
	for _, tc := range cases {
		q, ok := Parse(tc.raw)
		if ok != tc.ok {
			t.Errorf("Parse(%q): ok=%v, want %v", tc.raw, ok, tc.ok)
			continue
		}
		if ok && (q.Name != tc.name || q.Realm != tc.realm) {
			t.Errorf("Parse(%q) = %+v, want name=%q realm=%q", tc.raw, q, tc.name, tc.realm)
		}
	}
}

func TestLookupKeyPolicy(t *testing.T) {
	// Qualified policy: only name@realm shapes are cache keys.
	if _, ok := LookupKey("user1", true); ok {
		t.Fatalf("bare name must not resolve under qualified policy")
	}
	if k, ok := LookupKey("user1@test", true); !ok || k != "user1@test" {
		t.Fatalf("qualified key: ok=%v k=%q", ok, k)
	}

	// Bare policy: the inverse.
	if _, ok := LookupKey("user1@test", false); ok {
		t.Fatalf("qualified name must not resolve under bare policy")
	}
	if k, ok := LookupKey("user1", false); !ok || k != "user1" {
		t.Fatalf("bare key: ok=%v k=%q", ok, k)
	}

	// Malformed syntax never resolves under either policy.
	for _, raw := range []string{"", "@test", "user1@", "a@b@c"} {
		if _, ok := LookupKey(raw, true); ok {
			t.Errorf("LookupKey(%q, qualified) resolved", raw)
		}
		if _, ok := LookupKey(raw, false); ok {
			t.Errorf("LookupKey(%q, bare) resolved", raw)
		}
	}
}

func TestStoreKeyCanonicalization(t *testing.T) {
	// Qualified policy: bare aliases are stored fully qualified, with the
	// literal spelling of the name preserved.
	if k, ok := StoreKey("User1", "test", true); !ok || k != "User1@test" {
		t.Fatalf("StoreKey bare->qualified: ok=%v k=%q", ok, k)
	}
	if k, ok := StoreKey("user1@test", "other", true); !ok || k != "user1@test" {
		t.Fatalf("already-qualified alias must be kept literal: ok=%v k=%q", ok, k)
	}
	if _, ok := StoreKey("user1", "", true); ok {
		t.Fatalf("bare alias without a realm cannot be qualified")
	}

	// Bare policy: qualified aliases are stored under the bare name.
	if k, ok := StoreKey("user1@test", "", false); !ok || k != "user1" {
		t.Fatalf("StoreKey qualified->bare: ok=%v k=%q", ok, k)
	}
	if k, ok := StoreKey("USER1", "", false); !ok || k != "USER1" {
		t.Fatalf("bare alias kept literal: ok=%v k=%q", ok, k)
	}

	if _, ok := StoreKey("user1@", "test", true); ok {
		t.Fatalf("malformed alias must not canonicalize")
	}
}
