package election

import (
	"context"
	"testing"
)

// testContext mirrors (*testing.T).Context from Go 1.24: the returned
// context is canceled when the test ends. Needed because this module is
// built with Go 1.21.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
