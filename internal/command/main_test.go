package command

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies Engine's stream handler and any goroutines it spawns
// per inbound command exit cleanly once the engine and its host are closed.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
