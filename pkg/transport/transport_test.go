package transport

import "testing"

type stubFactory struct {
	portType string
}

func (f *stubFactory) Type() string                { return f.portType }
func (f *stubFactory) Create(Config) (Port, error) { return nil, nil }
func (f *stubFactory) Validate(Config) error       { return nil }

func TestRegistryRejectsNilFactory(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Error("Register(nil) succeeded")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubFactory{portType: "stub"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.Get("stub"); err != nil {
		t.Errorf("Get(stub) error = %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(missing) succeeded")
	}

	types := r.List()
	if len(types) != 1 || types[0] != "stub" {
		t.Errorf("List() = %v, want [stub]", types)
	}
}

func TestRegistryCreateUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(Config{Type: "missing"}); err == nil {
		t.Error("Create() succeeded for an unregistered type")
	}
}
