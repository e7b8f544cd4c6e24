package sandbox

import "testing"

func TestClassify(t *testing.T) {
	granted := &Overlay{Granted: true}
	revoked := &Overlay{Granted: false}

	cases := []struct {
		name     string
		existing *Overlay
		desired  bool
		want     Classification
	}{
		{"none desired grant", nil, true, ChangeGrantNew},
		{"none desired revoke", nil, false, ChangeRevokeNew},
		{"granted desired grant", granted, true, ChangeNone},
		{"revoked desired revoke", revoked, false, ChangeNone},
		{"revoked desired grant", revoked, true, ChangeGrantOverride},
		{"granted desired revoke", granted, false, ChangeRevokeOverride},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.existing, tc.desired); got != tc.want {
				t.Fatalf("Classify(%v, %v) = %s, want %s", tc.existing, tc.desired, got, tc.want)
			}
		})
	}
}

func TestMarkReason(t *testing.T) {
	if got := markReason("why", "k1"); got != "why [idem:k1]" {
		t.Fatalf("unexpected marked reason: %q", got)
	}
	if got := markReason("", "k1"); got != "[idem:k1]" {
		t.Fatalf("unexpected marker-only reason: %q", got)
	}
	if got := markReason("why", ""); got != "why" {
		t.Fatalf("reason without key must be untouched: %q", got)
	}
}
