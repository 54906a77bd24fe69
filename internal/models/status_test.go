package models

import "testing"

func TestBuildStatusIsRetryable(t *testing.T) {
	cases := map[BuildStatus]bool{
		StatusAborted:  true,
		StatusTimedOut: true,
		StatusSuccess:  false,
		StatusFailed:   false,
		StatusDepFailed: false,
	}
	for status, want := range cases {
		if got := status.IsRetryable(); got != want {
			t.Errorf("%s.IsRetryable() = %v, want %v", status, got, want)
		}
	}
}

func TestBuildStatusIsTerminal(t *testing.T) {
	if StatusBusy.IsTerminal() {
		t.Error("StatusBusy should not be terminal")
	}
	if !StatusSuccess.IsTerminal() {
		t.Error("StatusSuccess should be terminal")
	}
}

func TestBuildStatusString(t *testing.T) {
	if got := StatusSuccess.String(); got != "Success" {
		t.Errorf("StatusSuccess.String() = %q", got)
	}
	if got := BuildStatus(999).String(); got != "Unknown" {
		t.Errorf("unrecognized status should stringify to Unknown, got %q", got)
	}
}
