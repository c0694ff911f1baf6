package rows

import "strings"

// PhoneKeys are the variable names checked, in order, for the number to dial.
var PhoneKeys = []string{"phone", "phone_number", "primary_phone", "mobile_phone", "cell_phone"}

// SortIndexKey is the optional record field that sets a row's dial order.
// Records without it are ordered by their position in the upload.
const SortIndexKey = "sort_index"

// PatientKeys are the variable names checked for a patient reference.
var PatientKeys = []string{"patient_id", "patientId"}

// NormalizePhone turns common US formats into E.164. Anything it does not
// recognise is returned with formatting characters removed so validation can
// reject it.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	plus := strings.HasPrefix(raw, "+")
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case plus:
		return "+" + digits
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return digits
	}
}

// Phone returns the normalized number to dial for r, or "".
func (r Row) Phone() string {
	return NormalizePhone(r.Variables.FirstString(PhoneKeys...))
}
