package quereus

import (
	"errors"
	"testing"

	"github.com/quereus/quereus/internal/errs"
)

func TestOptionsDefaults(t *testing.T) {
	o := newOptions()
	v, ok := o.Get(OptDefaultVTabModule)
	if !ok || v.(string) != "memory" {
		t.Fatalf("expected default_vtab_module=memory, got %v", v)
	}
	v, ok = o.Get(OptDefaultColumnNullability)
	if !ok || v.(string) != "not_null" {
		t.Fatalf("expected default_column_nullability=not_null, got %v", v)
	}
}

func TestOptionsSetRejectsWrongType(t *testing.T) {
	o := newOptions()
	if err := o.Set(OptRuntimeStats, "yes"); !errors.Is(err, errs.ErrMisuse) {
		t.Fatalf("expected ErrMisuse, got %v", err)
	}
}

func TestOptionsSetRejectsUnknownName(t *testing.T) {
	o := newOptions()
	if err := o.Set(Option("bogus"), true); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOptionsSetRejectsInvalidNullabilityValue(t *testing.T) {
	o := newOptions()
	if err := o.Set(OptDefaultColumnNullability, "maybe"); !errors.Is(err, errs.ErrMisuse) {
		t.Fatalf("expected ErrMisuse, got %v", err)
	}
}

func TestOptionsOnChangeFiresAfterSet(t *testing.T) {
	o := newOptions()
	var seen []any
	unsub := o.OnChange(OptRuntimeStats, func(v any) { seen = append(seen, v) })
	defer unsub()

	if err := o.Set(OptRuntimeStats, true); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != true {
		t.Fatalf("expected one change event with true, got %v", seen)
	}
}

func TestOptionsOnChangeUnsubscribe(t *testing.T) {
	o := newOptions()
	var count int
	unsub := o.OnChange(OptTracePlanStack, func(any) { count++ })
	unsub()

	if err := o.Set(OptTracePlanStack, true); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no change events after unsubscribe, got %d", count)
	}
}

func TestDatabaseRuntimeStatsOptionTogglesTelemetry(t *testing.T) {
	d, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if d.telemetry.Enabled {
		t.Fatal("expected telemetry disabled by default")
	}
	if err := d.Options().Set(OptRuntimeStats, true); err != nil {
		t.Fatal(err)
	}
	if !d.telemetry.Enabled {
		t.Fatal("expected telemetry enabled after setting runtime_stats")
	}
}
