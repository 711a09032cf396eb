package fspool

import (
	"context"
	"errors"
	"testing"
)

func TestNewClientNeedsProject(t *testing.T) {
	_, err := NewClient(context.Background(), "", "", nil)
	if !errors.Is(err, ErrNoProject) {
		t.Fatalf("err = %v, want %v", err, ErrNoProject)
	}
}
