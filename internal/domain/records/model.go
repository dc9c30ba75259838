package records

import "time"

// Top-level collections of the tree.
const (
	UsersCollection              = "users"
	HealthDataCollection         = "healthData"
	AppointmentsCollection       = "appointments"
	DoctorAppointmentsCollection = "doctorAppointments"
	PrescriptionsCollection      = "prescriptions"
	CertificatesCollection       = "certificates"
)

// TimestampLayout is the UTC millisecond layout used for createdAt and
// lastUpdated stamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DateLayout is the calendar date layout of appointment and certificate dates.
const DateLayout = "2006-01-02"

// Stamp formats t as a stored timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Role tags an identity as a patient or a doctor.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Identity is the signed-in user.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        Role   `json:"role,omitempty"`
}

// EmergencyContact is a patient's contact person.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
}

// MedicalHistory holds the profile's medical background.
type MedicalHistory struct {
	Allergies []string `json:"allergies,omitempty"`
}

// ProfileDetails are the optional fields nested under a profile.
type ProfileDetails struct {
	Phone            string            `json:"phone,omitempty"`
	DateOfBirth      string            `json:"dateOfBirth,omitempty"`
	Gender           string            `json:"gender,omitempty"`
	BloodType        string            `json:"bloodType,omitempty"`
	ImageURL         string            `json:"imageUrl,omitempty"`
	MedicalHistory   *MedicalHistory   `json:"medicalHistory,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergencyContact,omitempty"`
}

// Profile is the record stored at users/{uid}.
type Profile struct {
	Name      string          `json:"name"`
	Email     string          `json:"email" validate:"omitempty,email"`
	Role      Role            `json:"role,omitempty" validate:"omitempty,oneof=patient doctor"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Profile   *ProfileDetails `json:"profile,omitempty"`
}

// BloodPressure is one blood pressure reading.
type BloodPressure struct {
	Systolic   int    `json:"systolic" validate:"gte=0"`
	Diastolic  int    `json:"diastolic" validate:"gte=0"`
	RecordedAt string `json:"recordedAt"`
}

// HealthMetric is the per-user singleton stored at healthData/{uid}.
type HealthMetric struct {
	HeartRate        int            `json:"heartRate" validate:"gte=0"`
	Steps            int            `json:"steps" validate:"gte=0"`
	Sleep            float64        `json:"sleep" validate:"gte=0"`
	LastUpdated      string         `json:"lastUpdated"`
	BloodPressure    *BloodPressure `json:"bloodPressure,omitempty"`
	Weight           *float64       `json:"weight,omitempty" validate:"omitempty,gte=0"`
	BodyTemperature  *float64       `json:"bodyTemperature,omitempty" validate:"omitempty,gte=0"`
	OxygenSaturation *float64       `json:"oxygenSaturation,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Appointment statuses.
const (
	StatusUpcoming  = "upcoming"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Appointment is a booking between a patient and a doctor.
type Appointment struct {
	ID           string `json:"id,omitempty"`
	DoctorName   string `json:"doctorName"`
	Specialty    string `json:"specialty"`
	Clinic       string `json:"clinic"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Status       string `json:"status" validate:"omitempty,oneof=upcoming completed cancelled"`
	ImageURL     string `json:"imageUrl"`
	Notes        string `json:"notes,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	CreatedAt    string `json:"createdAt"`
	ReminderSet  bool   `json:"reminderSet,omitempty"`
	ReminderTime string `json:"reminderTime,omitempty"`
	PatientID    string `json:"patientId,omitempty"`
	PatientName  string `json:"patientName,omitempty"`
	DoctorID     string `json:"doctorId,omitempty"`
}

func (a *Appointment) setID(id string) { a.ID = id }
func (a *Appointment) setCreatedAt(ts string) { a.CreatedAt = ts }
func (a *Appointment) tagPatient(id, name string) {
	a.PatientID = id
	a.PatientName = name
}
func (a *Appointment) patient() (string, string) { return a.PatientID, a.PatientName }

// Prescription statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Pharmacy is where a prescription is filled.
type Pharmacy struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// Prescription is a medicine prescribed to a patient. DaysLeft is supplied by
// the writer and never recomputed.
type Prescription struct {
	ID               string    `json:"id,omitempty"`
	MedicineName     string    `json:"medicineName"`
	Dosage           string    `json:"dosage"`
	DoctorName       string    `json:"doctorName"`
	PrescribedDate   string    `json:"prescribedDate"`
	StartDate        string    `json:"startDate"`
	EndDate          string    `json:"endDate"`
	DaysLeft         int       `json:"daysLeft"`
	Status           string    `json:"status" validate:"omitempty,oneof=active expired"`
	Instructions     string    `json:"instructions,omitempty"`
	SideEffects      []string  `json:"sideEffects,omitempty"`
	RefillsRemaining *int      `json:"refillsRemaining,omitempty" validate:"omitempty,gte=0"`
	Pharmacy         *Pharmacy `json:"pharmacy,omitempty"`
	CreatedAt        string    `json:"createdAt"`
	PatientID        string    `json:"patientId,omitempty"`
	PatientName      string    `json:"patientName,omitempty"`
	DoctorID         string    `json:"doctorId,omitempty"`
}

func (p *Prescription) setID(id string) { p.ID = id }
func (p *Prescription) setCreatedAt(ts string) { p.CreatedAt = ts }
func (p *Prescription) tagPatient(id, name string) {
	p.PatientID = id
	p.PatientName = name
}
func (p *Prescription) patient() (string, string) { return p.PatientID, p.PatientName }

// Certificate types.
const (
	CertificateFitness     = "fitness"
	CertificateVaccination = "vaccination"
	CertificateLeave       = "leave"
)

// Certificate is a medical certificate issued to a patient.
type Certificate struct {
	ID                string `json:"id,omitempty"`
	Title             string `json:"title"`
	IssueDate         string `json:"issueDate"`
	ExpiryDate        string `json:"expiryDate"`
	DoctorName        string `json:"doctorName"`
	Type              string `json:"type" validate:"omitempty,oneof=fitness vaccination leave"`
	Purpose           string `json:"purpose,omitempty"`
	ValidFor          string `json:"validFor,omitempty"`
	Restrictions      string `json:"restrictions,omitempty"`
	Clinic            string `json:"clinic,omitempty"`
	LicenseNumber     string `json:"licenseNumber,omitempty"`
	CertificateNumber string `json:"certificateNumber,omitempty"`
	CreatedAt         string `json:"createdAt"`
	PatientID         string `json:"patientId,omitempty"`
	PatientName       string `json:"patientName,omitempty"`
	DoctorID          string `json:"doctorId,omitempty"`
}

func (c *Certificate) setID(id string) { c.ID = id }
func (c *Certificate) setCreatedAt(ts string) { c.CreatedAt = ts }
func (c *Certificate) tagPatient(id, name string) {
	c.PatientID = id
	c.PatientName = name
}
func (c *Certificate) patient() (string, string) { return c.PatientID, c.PatientName }

// Patient is the doctor's read-only view of one of their patients, joined
// from appointments and the patient's profile.
type Patient struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Email            string            `json:"email"`
	Phone            string            `json:"phone,omitempty"`
	DateOfBirth      string            `json:"dateOfBirth,omitempty"`
	Gender           string            `json:"gender,omitempty"`
	BloodType        string            `json:"bloodType,omitempty"`
	Allergies        []string          `json:"allergies,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergencyContact,omitempty"`
	ImageURL         string            `json:"imageUrl,omitempty"`
	LastVisit        string            `json:"lastVisit,omitempty"`
}

// PatientFromProfile projects a stored profile into the doctor's view.
func PatientFromProfile(id string, p Profile) Patient {
	out := Patient{ID: id, Name: p.Name, Email: p.Email}
	if d := p.Profile; d != nil {
		out.Phone = d.Phone
		out.DateOfBirth = d.DateOfBirth
		out.Gender = d.Gender
		out.BloodType = d.BloodType
		out.ImageURL = d.ImageURL
		out.EmergencyContact = d.EmergencyContact
		if d.MedicalHistory != nil {
			out.Allergies = d.MedicalHistory.Allergies
		}
	}
	return out
}
