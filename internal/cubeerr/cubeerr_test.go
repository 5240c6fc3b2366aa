package cubeerr

import (
	"errors"
	"testing"
)

func TestProtocolErrorFormatting(t *testing.T) {
	e := &Protocol{Operation: "wire.Decode", Details: "bad tag"}
	if got := e.Error(); got == "" {
		t.Fatal("expected a non-empty error string")
	}

	wrapped := errors.New("boom")
	e2 := &Protocol{Operation: "wire.Decode", Details: "bad tag", Err: wrapped}
	if !errors.Is(e2, wrapped) {
		t.Fatal("expected errors.Is to see through Unwrap")
	}
}

func TestResourceErrorUnwrap(t *testing.T) {
	wrapped := errors.New("enomem")
	e := &Resource{Operation: "shmpool.CreateSHM", Err: wrapped}
	if !errors.Is(e, wrapped) {
		t.Fatal("expected errors.Is to see through Unwrap")
	}
	if e.Unwrap() != wrapped {
		t.Fatal("Unwrap did not return the wrapped error")
	}
}

func TestBackendErrorUnwrap(t *testing.T) {
	wrapped := errors.New("commit rejected")
	e := &Backend{Operation: "swscan.DoScanout", Err: wrapped}
	if !errors.Is(e, wrapped) {
		t.Fatal("expected errors.Is to see through Unwrap")
	}
}

func TestErrTryAgainIsStable(t *testing.T) {
	if !errors.Is(ErrTryAgain, ErrTryAgain) {
		t.Fatal("expected ErrTryAgain to compare equal to itself")
	}
}

func TestErrorsWithoutWrappedCauseStillFormat(t *testing.T) {
	cases := []error{
		&Protocol{Operation: "op", Details: "d"},
		&Resource{Operation: "op", Details: "d"},
		&Backend{Operation: "op", Details: "d"},
	}
	for _, e := range cases {
		if e.Error() == "" {
			t.Fatalf("%T.Error() returned empty string", e)
		}
	}
}
