package registry

import "testing"

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"web-1", true},
		{"my_sandbox", true},
		{"", false},
		{"has spaces", false},
		{"has/slash", false},
		{string(make([]byte, 65)), false},
	}
	for _, c := range cases {
		_, ok := SanitizeName(c.in)
		if ok != c.want {
			t.Errorf("SanitizeName(%q) ok = %v, want %v", c.in, ok, c.want)
		}
	}
}

func TestGenerateNameIsSanitized(t *testing.T) {
	name := GenerateName()
	if _, ok := SanitizeName(name); !ok {
		t.Errorf("GenerateName produced an unsanitary name: %q", name)
	}
}
