package launcher

import "testing"

func TestBuildFlagsSkipsZeroFields(t *testing.T) {
	args := buildFlags(displayOptions{Display: "none"})
	if len(args) != 2 || args[0] != "-display" || args[1] != "none" {
		t.Errorf("buildFlags = %v, want [-display none]", args)
	}
}

func TestBuildFlagsEmitsAllSetFields(t *testing.T) {
	args := buildFlags(displayOptions{Display: "none", Vnc: ":3"})
	if len(args) != 4 {
		t.Fatalf("buildFlags = %v, want 4 elements", args)
	}
}
