package firmware

import "testing"

func TestParseVersionForms(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"7.1.3.0", "7.1.3.0"},
		{"4.1.3 build 0", "4.1.3.0"},
		{"4.1.3-5", "4.1.3.5"},
		{"2.4.4.0_GitHub-7074a43e4", "2.4.4.0-GitHub-7074a43e4"},
		{"  7.2.0.0 ", "7.2.0.0"},
	}
	for _, c := range cases {
		v, err := ParseVersion(c.in)
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", c.in, err)
			continue
		}
		if v.String() != c.want {
			t.Errorf("ParseVersion(%q) = %q, want %q", c.in, v.String(), c.want)
		}
	}
}

func TestParseVersionRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "7..1", "1.x.3"} {
		if _, err := ParseVersion(in); err == nil {
			t.Errorf("ParseVersion(%q): expected error", in)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"7.1.3.0", "7.2.0.0", -1},
		{"7.2.0.0", "7.1.3.0", 1},
		{"7.1.3", "7.1.3.0", 0},
		{"7.1.3.0", "7.1.3.0", 0},
		{"4.1.3 build 0", "4.1.3.0", 0},
		{"4.1.3 build 1", "4.1.3.0", 1},
		{"10.0.0", "9.9.9", 1},
	}
	for _, c := range cases {
		a := MustParseVersion(c.a)
		b := MustParseVersion(c.b)
		if got := a.Compare(b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestCompareIsTotal(t *testing.T) {
	vs := []Version{
		MustParseVersion("1.0.0"),
		MustParseVersion("1.0.0.1"),
		MustParseVersion("2.4.4.0_GitHub-aaaa"),
		MustParseVersion("2.4.4.0_GitHub-bbbb"),
		MustParseVersion("2.4.4.0"),
	}
	for _, a := range vs {
		if a.Compare(a) != 0 {
			t.Errorf("Compare(%v, %v) != 0", a, a)
		}
		for _, b := range vs {
			if a.Compare(b) != -b.Compare(a) {
				t.Errorf("Compare(%v, %v) not antisymmetric", a, b)
			}
		}
	}
}

func TestCommitSuffixEqualityOnly(t *testing.T) {
	a := MustParseVersion("2.4.4.0_GitHub-7074a43e4")
	b := MustParseVersion("2.4.4.0_GitHub-7074a43e4")
	if a.Compare(b) != 0 {
		t.Errorf("identical commit versions should compare equal")
	}
	c := MustParseVersion("2.4.4.0_GitHub-deadbeef")
	if a.Compare(c) == 0 {
		t.Errorf("different commit tags should not compare equal")
	}
}

func TestCompatibilityMap(t *testing.T) {
	if !AppEZSP.CompatibleWith(ImageNCPUartHW) {
		t.Error("EZSP should accept ncp-uart-hw")
	}
	if AppEZSP.CompatibleWith(ImageRCPUart802154) {
		t.Error("EZSP should not accept rcp-uart-802154")
	}
	if !AppCPC.CompatibleWith(ImageZigbeeNCPRCPUart802154) {
		t.Error("CPC should accept zigbee-ncp-rcp-uart-802154")
	}
	if !AppSpinel.CompatibleWith(ImageRCPUart802154) {
		t.Error("Spinel should accept rcp-uart-802154")
	}
	if AppGeckoBootloader.CompatibleWith(ImageGeckoBootloader) {
		t.Error("bootloader has no compatible image type")
	}
}

func TestParseImageType(t *testing.T) {
	if _, err := ParseImageType("ncp-uart-hw"); err != nil {
		t.Errorf("ncp-uart-hw should parse: %v", err)
	}
	if _, err := ParseImageType("toaster"); err == nil {
		t.Error("unknown type should be rejected")
	}
}
