package flow

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	f := New("demo")
	Register("registry_test_demo.go", f)
	defer delete(registry, "registry_test_demo.go")

	got, ok := Lookup("registry_test_demo.go")
	if !ok || got != f {
		t.Fatalf("Lookup() = %v, %v; want %v, true", got, ok, f)
	}

	if _, ok := Lookup("nope.go"); ok {
		t.Fatal("Lookup() found a path that was never registered")
	}
}

func TestRegister_DuplicatePathPanics(t *testing.T) {
	Register("registry_test_dup.go", New("a"))
	defer delete(registry, "registry_test_dup.go")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate path registration")
		}
	}()
	Register("registry_test_dup.go", New("b"))
}
