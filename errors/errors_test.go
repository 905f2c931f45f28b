package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want []string
	}{
		{
			name: "phase and kind",
			err:  New(PhaseLoad, KindVersionMismatch).Build(),
			want: []string{"[load]", "version_mismatch"},
		},
		{
			name: "module context",
			err:  New(PhaseLoad, KindSymbolUnresolved).Module("net0").Symbol("core::init").Build(),
			want: []string{"module net0", "symbol core::init"},
		},
		{
			name: "detail and cause",
			err: New(PhaseCleanup, KindIO).
				Detail("flush %d records", 3).
				Cause(stderrors.New("disk full")).
				Build(),
			want: []string{"flush 3 records", "caused by: disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := DependencyCycle("res-1", []string{"res-1", "res-2", "res-1"})

	if !stderrors.Is(err, Match(PhaseAcquire, KindDependencyCycle)) {
		t.Error("expected match on exact phase and kind")
	}
	if !stderrors.Is(err, Match("", KindDependencyCycle)) {
		t.Error("expected wildcard phase to match")
	}
	if stderrors.Is(err, Match(PhaseLoad, KindDependencyCycle)) {
		t.Error("unexpected match across phases")
	}
	if stderrors.Is(err, Match(PhaseAcquire, KindUnknownDependency)) {
		t.Error("unexpected match across kinds")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := Wrap(PhaseSnapshot, KindIO, cause, "open store")

	if !stderrors.Is(err, cause) {
		t.Error("expected Is to reach the wrapped cause")
	}
	if stderrors.Unwrap(err) != cause {
		t.Error("Unwrap did not return the cause")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		err   *Error
		phase Phase
		kind  Kind
	}{
		{UnknownDependency("res-9", "res-404"), PhaseAcquire, KindUnknownDependency},
		{CircularDependency("a", []string{"a", "b", "a"}), PhaseLoad, KindCircularDependency},
		{VersionMismatch("net0", "core >=1.0"), PhaseLoad, KindVersionMismatch},
		{SymbolUnresolved("net0", "core::init"), PhaseLoad, KindSymbolUnresolved},
		{SymbolDuplicate("b", "init", "a"), PhaseLoad, KindSymbolDuplicate},
		{HasDependents("core", []string{"net0", "net1"}), PhaseUnload, KindHasDependents},
		{Cancelled("net0", "device removed"), PhaseLoad, KindCancelled},
		{NotFound(PhaseResolve, "symbol", "x::y"), PhaseResolve, KindNotFound},
	}

	for _, tt := range tests {
		if tt.err.Phase != tt.phase || tt.err.Kind != tt.kind {
			t.Errorf("%v: got phase=%s kind=%s, want %s/%s",
				tt.err, tt.err.Phase, tt.err.Kind, tt.phase, tt.kind)
		}
	}
}
