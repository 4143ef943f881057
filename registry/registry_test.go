package registry

import "testing"

func TestRegisterGetRemove(t *testing.T) {
	r := New()
	if _, ok := r.Get("vm-1"); ok {
		t.Fatalf("expected no entry before registration")
	}

	r.Register(VmProcess{VmID: "vm-1", Pid: 1234, QmpSocket: "/tmp/vm-1.qmp"})
	p, ok := r.Get("vm-1")
	if !ok {
		t.Fatalf("expected entry after registration")
	}
	if p.Pid != 1234 {
		t.Errorf("Pid = %d, want 1234", p.Pid)
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Remove("vm-1")
	if _, ok := r.Get("vm-1"); ok {
		t.Fatalf("expected no entry after removal")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestListSnapshot(t *testing.T) {
	r := New()
	r.Register(VmProcess{VmID: "a", Pid: 1})
	r.Register(VmProcess{VmID: "b", Pid: 2})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
}
