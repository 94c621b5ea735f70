package corevosync

import (
	"strings"
	"testing"
)

func TestRecoverRunPanicConvertsPanicToError(t *testing.T) {
	err := func() (err error) {
		defer recoverRunPanic(&err)
		panic("boom in orchestration")
	}()
	if err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
	if !strings.Contains(err.Error(), "boom in orchestration") {
		t.Fatalf("error must carry the panic value, got %v", err)
	}
}

func TestRecoverRunPanicLeavesCleanReturnAlone(t *testing.T) {
	err := func() (err error) {
		defer recoverRunPanic(&err)
		return nil
	}()
	if err != nil {
		t.Fatalf("no panic must mean no error, got %v", err)
	}
}
