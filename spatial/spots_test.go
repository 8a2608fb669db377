package spatial

import "testing"

func TestLocalizedFallsBackToEnglish(t *testing.T) {
	got := localized("official_name", "$2")
	want := "COALESCE(official_name->>$2, official_name->>'en', '')"
	if got != want {
		t.Errorf("localized() = %q, want %q", got, want)
	}
}

func TestNonEmpty(t *testing.T) {
	got := nonEmpty([]string{"spot_a", "", "spot_b", ""})
	if len(got) != 2 || got[0] != "spot_a" || got[1] != "spot_b" {
		t.Errorf("nonEmpty() = %v", got)
	}
}
