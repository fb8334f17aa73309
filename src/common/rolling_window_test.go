package common

import (
	"fmt"
	"testing"
)

func TestRollingWindow(t *testing.T) {
	r := NewRollingWindow(3)

	r.Add("a")

	if !r.Has("a") {
		t.Fatal("expected to find a")
	}

	// a survives windows-1 shifts
	r.Shift()
	r.Shift()

	if !r.Has("a") {
		t.Fatal("expected a to survive 2 shifts")
	}

	r.Shift()

	if r.Has("a") {
		t.Fatal("expected a to be dropped after 3 shifts")
	}
}

func TestRollingWindowLen(t *testing.T) {
	r := NewRollingWindow(2)

	for i := 0; i < 10; i++ {
		r.Add(fmt.Sprintf("key%d", i))
	}

	if l := r.Len(); l != 10 {
		t.Fatalf("Len should be 10, not %d", l)
	}

	r.Shift()

	for i := 10; i < 15; i++ {
		r.Add(fmt.Sprintf("key%d", i))
	}

	if l := r.Len(); l != 15 {
		t.Fatalf("Len should be 15, not %d", l)
	}

	r.Shift()

	if l := r.Len(); l != 5 {
		t.Fatalf("Len should be 5, not %d", l)
	}
}
