package records

import (
	"math"
	"strings"
	"time"
)

// Filter options offered by list screens.
const (
	FilterAll      = "All"
	FilterLowStock = "Low Stock"
)

// LowStockDays is the daysLeft threshold at or below which a prescription
// is low on stock.
const LowStockDays = 7

// ExpiringSoonDays is the window before expiry in which a certificate is
// flagged as expiring soon.
const ExpiringSoonDays = 30

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

func matchesQuery(query string, fields ...string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, f := range fields {
		if containsFold(f, q) {
			return true
		}
	}
	return false
}

func matchesStatus(filter, status string) bool {
	return filter == "" || filter == FilterAll || strings.EqualFold(filter, status)
}

// FilterAppointments keeps appointments whose status matches filter ("All"
// or a status, case-insensitive) and whose doctor name, patient name or
// specialty contains query.
func FilterAppointments(list []Appointment, filter, query string) []Appointment {
	out := make([]Appointment, 0, len(list))
	for _, a := range list {
		if matchesStatus(filter, a.Status) && matchesQuery(query, a.DoctorName, a.PatientName, a.Specialty) {
			out = append(out, a)
		}
	}
	return out
}

// IsLowStock reports whether p is running out.
func (p Prescription) IsLowStock() bool {
	return p.DaysLeft <= LowStockDays
}

// FilterPrescriptions keeps prescriptions matching filter ("All", "Low
// Stock" or a status) whose medicine, doctor or patient name contains query.
func FilterPrescriptions(list []Prescription, filter, query string) []Prescription {
	out := make([]Prescription, 0, len(list))
	for _, p := range list {
		ok := matchesStatus(filter, p.Status) || (filter == FilterLowStock && p.IsLowStock())
		if ok && matchesQuery(query, p.MedicineName, p.DoctorName, p.PatientName) {
			out = append(out, p)
		}
	}
	return out
}

// FilterCertificates keeps certificates whose title or doctor name contains
// query.
func FilterCertificates(list []Certificate, query string) []Certificate {
	out := make([]Certificate, 0, len(list))
	for _, c := range list {
		if matchesQuery(query, c.Title, c.DoctorName) {
			out = append(out, c)
		}
	}
	return out
}

// SearchPatients keeps patients whose name or email contains query.
func SearchPatients(list []Patient, query string) []Patient {
	out := make([]Patient, 0, len(list))
	for _, p := range list {
		if matchesQuery(query, p.Name, p.Email) {
			out = append(out, p)
		}
	}
	return out
}

// ExpiryStatus classifies a certificate relative to a point in time.
type ExpiryStatus string

const (
	ExpiryValid        ExpiryStatus = "valid"
	ExpiryExpiringSoon ExpiryStatus = "expiring_soon"
	ExpiryExpired      ExpiryStatus = "expired"
	ExpiryUnknown      ExpiryStatus = "unknown"
)

// ParseDate parses a stored calendar date or RFC 3339 timestamp. Calendar
// dates are midnight UTC.
func ParseDate(s string) (time.Time, bool) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ExpiryStatus reports whether c has expired at now, expires within
// ExpiringSoonDays (counting partial days as whole) or is still valid.
// Unparseable expiry dates are ExpiryUnknown.
func (c Certificate) ExpiryStatus(now time.Time) ExpiryStatus {
	expiry, ok := ParseDate(c.ExpiryDate)
	if !ok {
		return ExpiryUnknown
	}
	if expiry.Before(now) {
		return ExpiryExpired
	}
	days := int(math.Ceil(expiry.Sub(now).Hours() / 24))
	if days > 0 && days <= ExpiringSoonDays {
		return ExpiryExpiringSoon
	}
	return ExpiryValid
}

// Today splits the appointments dated on now's UTC calendar day into
// upcoming and completed ones.
func Today(list []Appointment, now time.Time) (upcoming, completed []Appointment) {
	day := now.UTC().Format(DateLayout)
	for _, a := range list {
		if a.Date != day {
			continue
		}
		switch a.Status {
		case StatusUpcoming:
			upcoming = append(upcoming, a)
		case StatusCompleted:
			completed = append(completed, a)
		}
	}
	return upcoming, completed
}
