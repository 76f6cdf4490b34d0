package tap

import "testing"

func TestNameRespectsInterfaceNameLimit(t *testing.T) {
	name := Name("01HZXYZABCDEF0123456789ABCDEFGH")
	if len(name) > maxNameLen {
		t.Errorf("len(name) = %d, want <= %d (name=%q)", len(name), maxNameLen, name)
	}
	if name[:len(namePrefix)] != namePrefix {
		t.Errorf("name = %q, want prefix %q", name, namePrefix)
	}
}

func TestNameDeterministic(t *testing.T) {
	a := Name("vm-abc123")
	b := Name("vm-abc123")
	if a != b {
		t.Errorf("Name not deterministic: %q != %q", a, b)
	}
}

func TestNameSanitizesNonAlphanumeric(t *testing.T) {
	name := Name("vm-abc123")
	if name != "vnet-vmabc123" {
		t.Errorf("Name = %q, want vnet-vmabc123", name)
	}
}

func TestNameUppercaseFoldsToLower(t *testing.T) {
	if Name("VM-ABC") != Name("vm-abc") {
		t.Error("Name should be case-insensitive over input")
	}
}
