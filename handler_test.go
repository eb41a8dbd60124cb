package meshcoap

import (
	"reflect"
	"testing"
)

func TestResourceRegistry_RegisterAndLookup(t *testing.T) {
	r := newResourceRegistry()

	called := false
	if err := r.register("/sensors/temp", func(Inbound) { called = true }); err != nil {
		t.Fatalf("register() error: %v", err)
	}

	fn, ok := r.lookup("sensors/temp/")
	if !ok {
		t.Fatal("lookup() should find handler regardless of slashes")
	}
	fn(Inbound{})
	if !called {
		t.Error("looked-up handler was not the registered one")
	}
}

func TestResourceRegistry_LookupNotFound(t *testing.T) {
	r := newResourceRegistry()

	if _, ok := r.lookup("missing"); ok {
		t.Error("lookup() should return false for unregistered path")
	}
}

func TestResourceRegistry_DuplicateRegistration(t *testing.T) {
	r := newResourceRegistry()

	if err := r.register("a/b", func(Inbound) {}); err != nil {
		t.Fatalf("first register() error: %v", err)
	}
	if err := r.register("/a//b", func(Inbound) {}); err == nil {
		t.Error("second register() for the same path should fail")
	}
}

func TestResourceRegistry_RejectsEmptyPathAndNilHandler(t *testing.T) {
	r := newResourceRegistry()

	if err := r.register("//", func(Inbound) {}); err == nil {
		t.Error("register() with empty path should fail")
	}
	if err := r.register("a", nil); err == nil {
		t.Error("register() with nil handler should fail")
	}
}

func TestResourceRegistry_Paths(t *testing.T) {
	r := newResourceRegistry()
	r.register("/status", func(Inbound) {})
	r.register("config/interval", func(Inbound) {})

	want := []string{"config/interval", "status"}
	if got := r.paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("paths() = %v, want %v", got, want)
	}
}

func TestNormalizeResourcePath(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"/":            "",
		"a":            "a",
		"/a/b/":        "a/b",
		"v2//things/x": "v2/things/x",
	}
	for in, want := range tests {
		if got := normalizeResourcePath(in); got != want {
			t.Errorf("normalizeResourcePath(%q) = %q, want %q", in, got, want)
		}
	}
}
