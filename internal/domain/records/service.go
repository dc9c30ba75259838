package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// ErrNotFound reports a point read of a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Service bundles the collection accessors over one tree and implements the
// writes that span more than one path.
type Service struct {
	tree tree.Client

	Appointments       *Appointments
	DoctorAppointments *Appointments
	Prescriptions      *Prescriptions
	Certificates       *Certificates
	Health             *HealthMetrics
	Profiles           *Profiles
}

// NewService creates a Service over c.
func NewService(c tree.Client) *Service {
	return &Service{
		tree:               c,
		Appointments:       NewAppointments(c),
		DoctorAppointments: NewDoctorAppointments(c),
		Prescriptions:      NewPrescriptions(c),
		Certificates:       NewCertificates(c),
		Health:             NewHealthMetrics(c),
		Profiles:           NewProfiles(c),
	}
}

// BookAppointment appends a under appointments/{patientID} and, when a names
// a doctor, writes the same record under doctorAppointments/{doctorId} with
// the same key. The two writes are not atomic: if the mirror write fails the
// key is returned together with the error.
func (s *Service) BookAppointment(ctx context.Context, patientID string, a Appointment) (string, error) {
	if a.Status == "" {
		a.Status = StatusUpcoming
	}
	if a.PatientID == "" {
		a.PatientID = patientID
	}
	if a.DoctorID != "" {
		if err := requireSegment("appointment", "doctorId", a.DoctorID); err != nil {
			return "", err
		}
	}

	key, stored, err := s.Appointments.create(ctx, patientID, a)
	if err != nil {
		return "", err
	}
	if stored.DoctorID == "" {
		return key, nil
	}
	if err := s.tree.Set(ctx, tree.Join(DoctorAppointmentsCollection, stored.DoctorID, key), &stored); err != nil {
		return key, fmt.Errorf("mirror appointment %s for doctor %s: %w", key, stored.DoctorID, err)
	}
	return key, nil
}

// UpdateAppointmentStatus sets the status of one appointment on the
// patient's copy and, if present, on the doctor's mirror.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, patientID, appointmentID, status string) error {
	if err := requireSegment("appointment", "patientId", patientID); err != nil {
		return err
	}
	if err := requireSegment("appointment", "id", appointmentID); err != nil {
		return err
	}
	switch status {
	case StatusUpcoming, StatusCompleted, StatusCancelled:
	default:
		return &ValidationError{Entity: "appointment", Key: appointmentID, Fields: []FieldError{
			{Field: "status", Rule: "oneof", Param: "upcoming completed cancelled"},
		}}
	}

	p := tree.Join(AppointmentsCollection, patientID, appointmentID)
	snap, err := s.tree.Get(ctx, p)
	if err != nil {
		return err
	}
	if tree.IsEmpty(snap) {
		return fmt.Errorf("appointment %s of %s: %w", appointmentID, patientID, ErrNotFound)
	}
	var current Appointment
	if err := json.Unmarshal(snap, &current); err != nil {
		return &ValidationError{Entity: "appointment", Key: appointmentID, Err: err}
	}

	if err := s.tree.Set(ctx, tree.Join(p, "status"), status); err != nil {
		return err
	}
	if current.DoctorID == "" {
		return nil
	}

	mirror := tree.Join(DoctorAppointmentsCollection, current.DoctorID, appointmentID)
	existing, err := s.tree.Get(ctx, mirror)
	if err != nil {
		return fmt.Errorf("read mirror of appointment %s: %w", appointmentID, err)
	}
	if tree.IsEmpty(existing) {
		return nil
	}
	if err := s.tree.Set(ctx, tree.Join(mirror, "status"), status); err != nil {
		return fmt.Errorf("update mirror of appointment %s: %w", appointmentID, err)
	}
	return nil
}
