// Package fingerprint derives the deterministic identity of an attendance event.
//
// The server must reject duplicate physical events even when the device
// forgets it has sent them (network glitch between send and ack). A
// caller-supplied client_record_id lets the device address the same logical
// event deterministically across retries; otherwise the identity is a hash of
// the event's normalized fields.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
)

// separator joins the normalized fields. The ASCII unit separator never occurs
// in the timestamp or kind, and event validation rejects it in employee_id and
// device_id, so concatenation of validated events is unambiguous.
const separator = "\x1f"

// Compute returns the 256-bit hex identity of an event.
// If the event carries a client_record_id, that value is used verbatim.
func Compute(e types.AttendanceEvent) string {
	if e.ClientRecordID != "" {
		return e.ClientRecordID
	}

	canonical := strings.Join([]string{
		e.EmployeeID,
		e.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
		string(e.Kind),
		e.DeviceID,
	}, separator)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
