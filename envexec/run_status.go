package envexec

import (
	"encoding/json"
	"fmt"
)

// Status defines the final classification of a run
type Status int

// Defines run Status
const (
	// not initialized status (as error)
	StatusInvalid Status = iota

	StatusSuccess       // exit normally with every declared output present
	StatusTimeout       // wall clock limit exceeded
	StatusMissingOutput // exit normally but a declared output is absent
	StatusError         // non-zero exit, launch failure or internal error
)

var statusToString = []string{
	"INVALID",
	"SUCCESS",
	"TIMEOUT",
	"MISSING_OUTPUT",
	"ERROR",
}

// stringToStatus map string to corresponding Status
var stringToStatus = make(map[string]Status)

func (s Status) String() string {
	si := int(s)
	if si < 0 || si >= len(statusToString) {
		return statusToString[0] // invalid
	}
	return statusToString[si]
}

// StringToStatus convert string to Status
func StringToStatus(s string) (Status, error) {
	v, ok := stringToStatus[s]
	if !ok || v == StatusInvalid {
		return 0, fmt.Errorf("invalid string converting: %s", s)
	}
	return v, nil
}

// MarshalJSON encodes the status as its name
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name
func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := StringToStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func init() {
	for i, v := range statusToString {
		stringToStatus[v] = Status(i)
	}
}
