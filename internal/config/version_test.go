package config

import "testing"

func TestValidateVersionAcceptsCurrent(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Errorf("ValidateVersion(current) error = %v", err)
	}
}

func TestValidateVersionRejectsFuture(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if err == nil {
		t.Fatal("expected error for a version newer than this build")
	}
}

func TestValidateVersionRejectsMissing(t *testing.T) {
	err := ValidateVersion(0)
	if err == nil {
		t.Fatal("expected error for a missing version")
	}
}
