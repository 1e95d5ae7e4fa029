package personnel

import "testing"

func TestFold(t *testing.T) {
	cases := map[string]string{
		"Viper":    "viper",
		"VIPER-2":  "viper-2",
		"straße":   "strasse",
		"Käpt_N 1": "käpt_n 1",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}
