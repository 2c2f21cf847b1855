package logging

import (
	"strconv"

	"go.uber.org/zap"
)

// Patient-identifying values must never reach the log stream in the
// clear. These helpers keep length information for debugging while
// dropping the content.

// RedactedString logs only the length of a sensitive value.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// PatientName redacts a patient name, preserving only its initial.
func PatientName(val string) zap.Field {
	if val == "" {
		return zap.String("patient_name", "")
	}
	return zap.String("patient_name", string([]rune(val)[0])+"***")
}
