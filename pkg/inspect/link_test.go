package inspect

import "testing"

func TestParseOwnedLink(t *testing.T) {
	raw := "steam://rungame/730/76561202255233023/+csgo_econ_action_preview S76561198084749846A6768147729D12557175561287951699"
	l, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if l.S != "76561198084749846" || l.A != "6768147729" || l.D != "12557175561287951699" || l.M != "" {
		t.Fatalf("unexpected link: %+v", l)
	}
	if l.IsMarketLink() {
		t.Fatalf("owned link classified as market link")
	}
}

func TestParseMarketLinkEscaped(t *testing.T) {
	raw := "steam://rungame/730/76561202255233023/+csgo_econ_action_preview%20M625254122282020305A6760346663D30614827701953021"
	l, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if l.M != "625254122282020305" || l.A != "6760346663" {
		t.Fatalf("unexpected link: %+v", l)
	}
	if !l.IsMarketLink() {
		t.Fatalf("market link not classified")
	}
}

func TestParseBareParams(t *testing.T) {
	l, err := Parse("S76561198084749846A6768147729D12557175561287951699")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if l.A != "6768147729" {
		t.Fatalf("unexpected asset id %q", l.A)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"",
		"steam://rungame/730/x/+csgo_econ_action_preview S1A2D3",
		"A6768147729D12557175561287951699", // neither S nor M
		"https://example.com/S1A2D3",
	} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFromParams(t *testing.T) {
	if _, err := FromParams("1", "2", "3", ""); err != nil {
		t.Fatalf("valid owned params rejected: %v", err)
	}
	if _, err := FromParams("", "2", "3", "4"); err != nil {
		t.Fatalf("valid market params rejected: %v", err)
	}
	// both S and M present
	if _, err := FromParams("1", "2", "3", "4"); err == nil {
		t.Fatalf("expected error when both s and m are set")
	}
	// missing token
	if _, err := FromParams("1", "2", "", ""); err == nil {
		t.Fatalf("expected error for missing d token")
	}
	// non-numeric asset
	if _, err := FromParams("1", "abc", "3", ""); err == nil {
		t.Fatalf("expected error for non-numeric asset id")
	}
}

func TestString(t *testing.T) {
	l := Link{S: "1", A: "2", D: "3"}
	if got := l.String(); got != "S1A2D3" {
		t.Fatalf("String() = %q", got)
	}
	l = Link{M: "9", A: "2", D: "3"}
	if got := l.String(); got != "M9A2D3" {
		t.Fatalf("String() = %q", got)
	}
}
