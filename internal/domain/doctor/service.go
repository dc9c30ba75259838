// Package doctor implements the doctor-side reads: the appointment mirror,
// cross-patient prescription and certificate scans, and the patient roster
// joined from appointments and profiles.
package doctor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// ErrProfileNotFound is recorded as a miss when a patient referenced by an
// appointment has no profile.
var ErrProfileNotFound = errors.New("patient profile not found")

// DefaultProfileReads bounds the concurrent profile reads of Patients.
const DefaultProfileReads = 8

// PatientMiss is a patient id whose profile could not be joined.
type PatientMiss struct {
	PatientID string
	Err       error
}

// PatientsResult is the doctor's roster. Patients keeps the order in which
// patients first appear in the appointment mirror; Misses lists the ids that
// were left out and why.
type PatientsResult struct {
	Patients []records.Patient
	Misses   []PatientMiss
}

type Service struct {
	records      *records.Service
	logger       zerolog.Logger
	profileReads int
}

func NewService(rs *records.Service, logger zerolog.Logger) *Service {
	return &Service{
		records:      rs,
		logger:       logger.With().Str("component", "doctor").Logger(),
		profileReads: DefaultProfileReads,
	}
}

// SetProfileReads changes the profile read concurrency of Patients.
func (s *Service) SetProfileReads(n int) {
	if n > 0 {
		s.profileReads = n
	}
}

// Appointments reads the doctorAppointments/{doctorID} mirror.
func (s *Service) Appointments(ctx context.Context, doctorID string) ([]records.Appointment, error) {
	return s.records.DoctorAppointments.Fetch(ctx, doctorID)
}

// SubscribeAppointments follows the doctor's appointment mirror.
func (s *Service) SubscribeAppointments(ctx context.Context, doctorID string, fn func([]records.Appointment, error)) (*tree.Subscription, error) {
	return s.records.DoctorAppointments.Subscribe(ctx, doctorID, fn)
}

// WatchAppointments is SubscribeAppointments as a latest-value channel.
func (s *Service) WatchAppointments(ctx context.Context, doctorID string) (<-chan records.Snapshot[[]records.Appointment], error) {
	return s.records.DoctorAppointments.Watch(ctx, doctorID)
}

// Prescriptions scans every patient's prescriptions for the ones doctorID
// wrote.
func (s *Service) Prescriptions(ctx context.Context, doctorID string) ([]records.Prescription, error) {
	return s.records.Prescriptions.FetchAll(ctx, doctorID)
}

// Certificates scans every patient's certificates for the ones doctorID
// issued.
func (s *Service) Certificates(ctx context.Context, doctorID string) ([]records.Certificate, error) {
	return s.records.Certificates.FetchAll(ctx, doctorID)
}

// Patients joins the distinct patients of doctorID's appointments with their
// profiles. Only a failed appointment read or a done ctx fails the call;
// profile reads that fail or find nothing are reported in Misses.
func (s *Service) Patients(ctx context.Context, doctorID string) (*PatientsResult, error) {
	appts, err := s.Appointments(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, a := range appts {
		if a.PatientID == "" || seen[a.PatientID] {
			continue
		}
		seen[a.PatientID] = true
		ids = append(ids, a.PatientID)
	}

	profiles := make([]*records.Profile, len(ids))
	errs := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.profileReads)
	for i, pid := range ids {
		g.Go(func() error {
			p, err := s.records.Profiles.Get(gctx, pid)
			switch {
			case err != nil:
				errs[i] = err
			case p == nil:
				errs[i] = ErrProfileNotFound
			default:
				profiles[i] = p
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	visits := lastVisits(appts)
	result := &PatientsResult{Patients: make([]records.Patient, 0, len(ids))}
	for i, pid := range ids {
		if errs[i] != nil {
			s.logger.Warn().Err(errs[i]).Str("doctor_id", doctorID).Str("patient_id", pid).Msg("patient left out of roster")
			result.Misses = append(result.Misses, PatientMiss{PatientID: pid, Err: errs[i]})
			continue
		}
		p := records.PatientFromProfile(pid, *profiles[i])
		p.LastVisit = visits[pid]
		result.Patients = append(result.Patients, p)
	}
	return result, nil
}

// lastVisits maps each patient to the date of their most recent completed
// appointment. Equal dates resolve to the appointment with the greatest id.
// Completed appointments with unparseable dates are ignored.
func lastVisits(appts []records.Appointment) map[string]string {
	type visit struct {
		at   time.Time
		id   string
		date string
	}
	latest := make(map[string]visit)
	for _, a := range appts {
		if a.PatientID == "" || a.Status != records.StatusCompleted {
			continue
		}
		at, ok := records.ParseDate(a.Date)
		if !ok {
			continue
		}
		cur, found := latest[a.PatientID]
		if !found || at.After(cur.at) || (at.Equal(cur.at) && a.ID > cur.id) {
			latest[a.PatientID] = visit{at: at, id: a.ID, date: a.Date}
		}
	}
	out := make(map[string]string, len(latest))
	for pid, v := range latest {
		out[pid] = v.date
	}
	return out
}
