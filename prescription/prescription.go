// Package prescription is the canonical content stored in an archive's
// prescription.json entry.
package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"medscript.dev/mpaz/errs"
)

// DateLayout is the layout of Prescription.Date.
const DateLayout = "2006-01-02 15:04:05"

// Prescriber identifies the clinician issuing a prescription.
type Prescriber struct {
	Name          string `json:"name"`
	Qualification string `json:"qualification"`
	Registration  string `json:"registration"`
	Address       string `json:"address"`
	Contact       string `json:"contact"`
	Extra         string `json:"extra"`
}

// Prescription is one clinical prescription document.
type Prescription struct {
	Date          string     `json:"date"`
	ID            string     `json:"id"`
	PID           string     `json:"pid"`
	Name          string     `json:"name"`
	DOB           string     `json:"dob"`
	Age           string     `json:"age"`
	Sex           string     `json:"sex"`
	Address       string     `json:"address"`
	Contact       string     `json:"contact"`
	Extra         string     `json:"extra"`
	Mode          string     `json:"mode"`
	DAW           Flag       `json:"daw"`
	Diagnosis     string     `json:"diagnosis"`
	Note          string     `json:"note"`
	Report        string     `json:"report"`
	Advice        string     `json:"advice"`
	Investigation string     `json:"investigation"`
	Medication    string     `json:"medication"`
	Additional    string     `json:"additional"`
	Certificate   string     `json:"certificate"`
	Custom        any        `json:"custom,omitempty"`
	Prescriber    Prescriber `json:"prescriber"`
}

// New returns an empty prescription with a fresh id and the current date.
func New(p Prescriber, now time.Time) *Prescription {
	return &Prescription{
		Date:       now.Format(DateLayout),
		ID:         uuid.NewString(),
		Prescriber: p,
	}
}

// Encode returns the canonical encoding: indented JSON with sorted map keys
// and a trailing newline. Equal prescriptions encode to equal bytes.
func (p *Prescription) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses content. Missing fields keep their zero value.
func Decode(content []byte) (*Prescription, error) {
	var p Prescription
	if err := json.Unmarshal(content, &p); err != nil {
		return nil, errs.Wrap(errs.KindParse, "decode prescription", "", err)
	}
	return &p, nil
}

// Clone returns a deep copy, suitable for handing to background work.
func (p *Prescription) Clone() *Prescription {
	if p == nil {
		return nil
	}
	c := *p
	if p.Custom != nil {
		if b, err := json.Marshal(p.Custom); err == nil {
			c.Custom = nil
			_ = json.Unmarshal(b, &c.Custom)
		}
	}
	return &c
}

// Flag is a boolean that also accepts the string and null forms found in
// older documents ("", "True", "false").
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*f = false
	case bool:
		*f = Flag(x)
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0", "no":
			*f = false
		default:
			*f = true
		}
	case float64:
		*f = x != 0
	default:
		return fmt.Errorf("daw: unexpected value %s", b)
	}
	return nil
}

// ReadPrescriber reads a prescriber JSON file.
func ReadPrescriber(path string) (Prescriber, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Prescriber{}, errs.Wrap(errs.KindIO, "read prescriber", path, err)
	}
	var p Prescriber
	if err := json.Unmarshal(b, &p); err != nil {
		return Prescriber{}, errs.Wrap(errs.KindParse, "read prescriber", path, err)
	}
	return p, nil
}
