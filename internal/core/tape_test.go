package core

import "testing"

func TestParseTapeState(t *testing.T) {
	tests := []struct {
		input   string
		want    TapeState
		wantErr bool
	}{
		{"ACTIVE", TapeActive, false},
		{"disabled", TapeDisabled, false},
		{" repacking_pending ", TapeRepackingPending, false},
		{"EXPORTED", TapeExported, false},
		{"", "", true},
		{"FULL", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTapeState(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTapeState(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTapeState(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTapeState_PendingRoundTrip(t *testing.T) {
	for _, s := range []TapeState{TapeRepacking, TapeBroken, TapeExported} {
		p, ok := s.PendingState()
		if !ok {
			t.Fatalf("%s.PendingState() ok = false", s)
		}
		if !p.IsPending() {
			t.Errorf("%s.IsPending() = false, want true", p)
		}
		settled, ok := p.SettledState()
		if !ok || settled != s {
			t.Errorf("%s.SettledState() = %q, %v, want %q", p, settled, ok, s)
		}
	}
	if _, ok := TapeActive.PendingState(); ok {
		t.Error("ACTIVE.PendingState() ok = true, want false")
	}
}

func TestTapeState_RetrieveRank(t *testing.T) {
	a, okA := TapeActive.RetrieveRank()
	d, okD := TapeDisabled.RetrieveRank()
	if !okA || !okD || a >= d {
		t.Errorf("ACTIVE rank %d/%v, DISABLED rank %d/%v", a, okA, d, okD)
	}
	for _, s := range []TapeState{TapeRepacking, TapeRepackingPending, TapeBroken, TapeBrokenPending, TapeExported, TapeRepackingDisabled} {
		if _, ok := s.RetrieveRank(); ok {
			t.Errorf("%s.RetrieveRank() ok = true, want false", s)
		}
	}
}

func TestValidateVID(t *testing.T) {
	for _, vid := range []string{"V00001", "Tape0", "L7-123"} {
		if err := ValidateVID(vid); err != nil {
			t.Errorf("ValidateVID(%q) unexpected error: %v", vid, err)
		}
	}
	for _, vid := range []string{"", "has space", "a/b", "a.b", "a*"} {
		err := ValidateVID(vid)
		if err == nil {
			t.Errorf("ValidateVID(%q) expected error", vid)
			continue
		}
		if err.Code != ErrCodeInvalidRequest {
			t.Errorf("ValidateVID(%q) code = %q, want %q", vid, err.Code, ErrCodeInvalidRequest)
		}
	}
}
