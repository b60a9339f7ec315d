package analyzer

import "testing"

func TestLikeToBrowseWildcard(t *testing.T) {
	cases := map[string]string{
		"Motor%":     "Motor*",
		"Motor_1":    "Motor?1",
		"100\\%done": "100%done",
		"plain":      "plain",
	}
	for pattern, want := range cases {
		if got := LikeToBrowseWildcard(pattern); got != want {
			t.Errorf("LikeToBrowseWildcard(%q) = %q, want %q", pattern, got, want)
		}
	}
}

func TestMatchesLike(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"Motor1.Speed", "Motor%", true},
		{"Motor1.Speed", "Motor_.Speed", true},
		{"Motor1.Speed", "Motor1.Speed", true},
		{"Motor1.Speed", "motor%", false},
		{"a.b", "a.b", true},
		{"a+b", "a+b", true},
		{"axb", "a_b", true},
		{"100%done", "100\\%done", true},
		{"100Xdone", "100\\%done", false},
	}
	for _, tc := range cases {
		if got := MatchesLike(tc.value, tc.pattern); got != tc.want {
			t.Errorf("MatchesLike(%q, %q) = %v, want %v", tc.value, tc.pattern, got, tc.want)
		}
	}
}

func TestLikeToRegexpEscapesMetacharacters(t *testing.T) {
	re, err := LikeToRegexp("a.b*c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !re.MatchString("a.b*c") {
		t.Errorf("expected literal match of a.b*c")
	}
	if re.MatchString("axbyc") {
		t.Errorf("regex metacharacters in the pattern must be treated literally")
	}
}
