package decodeerr

import (
	"errors"
	"testing"
)

func TestNewFormatsComponentAndMessage(t *testing.T) {
	err := New("cpk", "bad value %d", 7)
	want := "cpk: bad value 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap("ftex", cause, "reading mipmap header")

	want := "ftex: reading mipmap header: short read"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if errors.Unwrap(err) != cause {
		t.Error("errors.Unwrap(err) did not return the wrapped cause")
	}
}

func TestAsRecoversComponent(t *testing.T) {
	var target *Error
	err := New("fpk", "invalid magic")
	if !errors.As(err, &target) {
		t.Fatal("errors.As(err, &target) = false, want true")
	}
	if target.Component != "fpk" {
		t.Errorf("Component = %q, want %q", target.Component, "fpk")
	}
}
