package qsmtpd

import "testing"

func TestStateHas(t *testing.T) {
	s := StateHELO | StateMAIL
	if !s.has(StateHELO) {
		t.Fatalf("expected StateHELO bit set")
	}
	if s.has(StateRCPT) {
		t.Fatalf("did not expect StateRCPT bit set")
	}
}

func TestAllowedInTable(t *testing.T) {
	cases := []struct {
		verb    string
		allowed State
		ok      State
		bad     State
	}{
		{"MAIL", allowedIn["MAIL"], StateEHLO, StateConnected},
		{"RCPT", allowedIn["RCPT"], StateMAIL, StateEHLO},
		{"DATA", allowedIn["DATA"], StateRCPT, StateMAIL},
		{"BDAT", allowedIn["BDAT"], StateRCPT, StateMAIL},
		{"STARTTLS", allowedIn["STARTTLS"], StateEHLO, StateConnected},
		{"AUTH", allowedIn["AUTH"], StateEHLO, StateHELO},
	}
	for _, tc := range cases {
		if !tc.allowed.has(tc.ok) {
			t.Errorf("%s: expected state %v to be allowed", tc.verb, tc.ok)
		}
		if tc.allowed.has(tc.bad) {
			t.Errorf("%s: did not expect state %v to be allowed", tc.verb, tc.bad)
		}
	}
}
