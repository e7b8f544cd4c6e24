package app

import (
	"testing"

	_ "github.com/skolara/skolara/internal/testing/guard"
)

func TestInTestMode(t *testing.T) {
	// The guard import forces SKOLARA_TEST_MODE=1 before package init.
	RefreshTestMode()
	if !InTestMode() {
		t.Fatal("expected test mode to be active under the guard")
	}
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv("SKOLARA_TEST_MODE", "0")
	RefreshTestMode()
	if InTestMode() {
		t.Fatal("expected test mode off after flag cleared")
	}
	t.Setenv("SKOLARA_TEST_MODE", "1")
	RefreshTestMode()
	if !InTestMode() {
		t.Fatal("expected test mode on after flag set")
	}
}
