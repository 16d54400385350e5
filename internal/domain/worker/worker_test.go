package worker

import "testing"

func TestSetupState(t *testing.T) {
	coder := int64(1)
	imagegen := int64(2)
	cases := []struct {
		name string
		w    Worker
		want SetupState
	}{
		{"no coder", Worker{}, SetupNoCoder},
		{"coder pending", Worker{CoderDeployment: &coder}, SetupCoderPending},
		{"imagegen pending", Worker{CoderDeployment: &coder, ImagegenDeployment: &imagegen}, SetupImagegenPending},
		{"finished", Worker{CoderDeployment: &coder, ImagegenDeployment: &imagegen, SetupFinished: true}, SetupFinished},
	}
	for _, c := range cases {
		if got := c.w.SetupState(); got != c.want {
			t.Errorf("%s: SetupState() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestAvailableAndEligibleForTeardown(t *testing.T) {
	id := 7
	w := Worker{SetupFinished: true, Dynamic: true}
	if !w.Available() {
		t.Error("expected available worker")
	}
	if !w.EligibleForTeardown() {
		t.Error("expected eligible for teardown")
	}

	w.Assignment = &id
	if w.Available() {
		t.Error("assigned worker should not be available")
	}
	if w.EligibleForTeardown() {
		t.Error("assigned worker should not be eligible for teardown")
	}
}
