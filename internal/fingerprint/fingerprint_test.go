package fingerprint

import (
	"testing"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
)

func baseEvent() types.AttendanceEvent {
	return types.AttendanceEvent{
		EmployeeID: "E1",
		Timestamp:  time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       types.KindClockIn,
		DeviceID:   "D1",
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := Compute(baseEvent())
	b := Compute(baseEvent())

	if a != b {
		t.Errorf("same event produced different fingerprints: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestCompute_ClientRecordIDUsedVerbatim(t *testing.T) {
	e := baseEvent()
	e.ClientRecordID = "device-local-42"

	if got := Compute(e); got != "device-local-42" {
		t.Errorf("expected client record id verbatim, got %q", got)
	}
}

func TestCompute_FieldSensitivity(t *testing.T) {
	base := Compute(baseEvent())

	mutations := map[string]func(*types.AttendanceEvent){
		"employee_id": func(e *types.AttendanceEvent) { e.EmployeeID = "E2" },
		"timestamp":   func(e *types.AttendanceEvent) { e.Timestamp = e.Timestamp.Add(time.Second) },
		"kind":        func(e *types.AttendanceEvent) { e.Kind = types.KindClockOut },
		"device_id":   func(e *types.AttendanceEvent) { e.DeviceID = "D2" },
	}

	for field, mutate := range mutations {
		e := baseEvent()
		mutate(&e)
		if Compute(e) == base {
			t.Errorf("changing %s did not change fingerprint", field)
		}
	}
}

func TestCompute_IgnoresNonIdentityFields(t *testing.T) {
	base := Compute(baseEvent())

	lat := 1.5
	e := baseEvent()
	e.SiteID = "S1"
	e.Latitude = &lat

	if Compute(e) != base {
		t.Error("site/coordinates should not affect fingerprint")
	}
}

func TestCompute_TimezoneNormalized(t *testing.T) {
	nairobi := time.FixedZone("EAT", 3*3600)

	utc := baseEvent()
	local := baseEvent()
	local.Timestamp = utc.Timestamp.In(nairobi)

	if Compute(utc) != Compute(local) {
		t.Error("equal instants in different zones produced different fingerprints")
	}
}

func TestCompute_SubSecondTruncated(t *testing.T) {
	a := baseEvent()
	b := baseEvent()
	b.Timestamp = b.Timestamp.Add(500 * time.Millisecond)

	if Compute(a) != Compute(b) {
		t.Error("sub-second precision should not affect fingerprint")
	}
}

func TestCompute_DeviceIDAbsent(t *testing.T) {
	e := baseEvent()
	e.DeviceID = ""

	if Compute(e) == Compute(baseEvent()) {
		t.Error("absent device id should hash differently from present one")
	}
}
