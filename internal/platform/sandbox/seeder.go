// Package sandbox seeds a tree with synthetic doctors, patients and their
// records for demos and local development. Generation is reproducible for a
// given seed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/domain/records"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	DoctorCount             int    `json:"doctorCount" validate:"gte=1"`
	PatientCount            int    `json:"patientCount" validate:"gte=0"`
	AppointmentsPerPatient  int    `json:"appointmentsPerPatient" validate:"gte=0"`
	PrescriptionsPerPatient int    `json:"prescriptionsPerPatient" validate:"gte=0"`
	CertificatesPerPatient  int    `json:"certificatesPerPatient" validate:"gte=0"`
	Password                string `json:"password" validate:"min=6"`
	EmailDomain             string `json:"emailDomain" validate:"required,hostname"`
	Seed                    int64  `json:"seed"`
}

// DefaultSeedConfig returns a small demo data set.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		DoctorCount:             3,
		PatientCount:            10,
		AppointmentsPerPatient:  4,
		PrescriptionsPerPatient: 2,
		CertificatesPerPatient:  1,
		Password:                "sandbox123",
		EmailDomain:             "sandbox.unihealth.test",
	}
}

// SeededAccount is one account the seeder created or reused.
type SeededAccount struct {
	UID   string       `json:"uid"`
	Email string       `json:"email"`
	Name  string       `json:"name"`
	Role  records.Role `json:"role"`
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Doctors       int             `json:"doctors"`
	Patients      int             `json:"patients"`
	Appointments  int             `json:"appointments"`
	Prescriptions int             `json:"prescriptions"`
	Certificates  int             `json:"certificates"`
	HealthMetrics int             `json:"healthMetrics"`
	Accounts      []SeededAccount `json:"accounts"`
	Duration      time.Duration   `json:"duration"`
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

type doctorDef struct {
	Specialty string
	Clinic    string
	Address   string
	Phone     string
}

type medicineDef struct {
	Name        string
	Dosage      string
	SideEffects []string
}

var (
	firstNames = []string{
		"James", "Robert", "Michael", "David", "William", "Joseph", "Thomas",
		"Daniel", "Matthew", "Mary", "Patricia", "Jennifer", "Linda", "Sarah",
		"Jessica", "Emily", "Laura", "Anna", "Emma", "Rachel", "Maria",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Martinez", "Wilson", "Anderson", "Taylor", "Moore", "Lee",
		"Nguyen", "Walker", "Young", "King", "Wright", "Rivera",
	}

	practices = []doctorDef{
		{"Cardiology", "Heart & Vascular Center", "12 Harbor Rd", "(555) 201-1100"},
		{"Dermatology", "Clear Skin Clinic", "48 Elm St", "(555) 201-2200"},
		{"General Practice", "Community Health Partners", "7 Main St", "(555) 201-3300"},
		{"Pediatrics", "Little Steps Pediatrics", "90 Oak Ave", "(555) 201-4400"},
		{"Orthopedics", "Summit Bone & Joint", "215 Cedar Ln", "(555) 201-5500"},
		{"Neurology", "Riverside Neuro Institute", "3 Willow Rd", "(555) 201-6600"},
	}

	medicines = []medicineDef{
		{"Metformin", "500 mg twice daily", []string{"nausea", "upset stomach"}},
		{"Lisinopril", "10 mg once daily", []string{"dry cough", "dizziness"}},
		{"Atorvastatin", "20 mg at bedtime", []string{"muscle pain"}},
		{"Omeprazole", "20 mg before breakfast", []string{"headache"}},
		{"Amoxicillin", "500 mg three times daily", []string{"diarrhea", "rash"}},
		{"Levothyroxine", "50 mcg once daily", nil},
		{"Sertraline", "50 mg once daily", []string{"insomnia", "nausea"}},
		{"Albuterol", "2 puffs as needed", []string{"tremor"}},
	}

	pharmacies = []records.Pharmacy{
		{Name: "Main Street Pharmacy", Address: "101 Main St", Phone: "(555) 300-1000"},
		{Name: "Green Cross Drugs", Address: "22 Pine Rd", Phone: "(555) 300-2000"},
	}

	allergies    = []string{"Penicillin", "Peanuts", "Latex", "Shellfish", "Aspirin", "Pollen"}
	bloodTypes   = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
	relations    = []string{"Spouse", "Parent", "Sibling", "Friend"}
	visitTimes   = []string{"09:00", "09:30", "10:15", "11:00", "13:30", "14:45", "16:00"}
	visitReasons = []string{"Routine check-up", "Follow-up visit", "Lab results review", "Persistent cough", "Annual physical"}

	certificateKinds = []struct {
		Type    string
		Title   string
		Purpose string
		Months  int
	}{
		{records.CertificateFitness, "Fitness Certificate", "Sports participation", 12},
		{records.CertificateVaccination, "Influenza Vaccination", "Seasonal immunization record", 12},
		{records.CertificateLeave, "Medical Leave Certificate", "Recovery from acute illness", 1},
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic records around a fixed
// reference time.
type DataGenerator struct {
	rng     *rand.Rand
	now     time.Time
	counter int
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64, now time.Time) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		now: now,
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// day returns the calendar date offset days from the reference time.
func (g *DataGenerator) day(offset int) string {
	return g.now.AddDate(0, 0, offset).Format(records.DateLayout)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

// Name returns a random full name.
func (g *DataGenerator) Name() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

// Email derives a unique address for name under domain.
func (g *DataGenerator) Email(prefix, name, domain string) string {
	g.counter++
	local := strings.ToLower(strings.ReplaceAll(name, " ", "."))
	return fmt.Sprintf("%s%s.%d@%s", prefix, local, g.counter, domain)
}

// GenerateProfileDetails produces a patient's optional profile fields.
func (g *DataGenerator) GenerateProfileDetails() *records.ProfileDetails {
	gender := "female"
	if g.rng.Intn(2) == 0 {
		gender = "male"
	}
	d := &records.ProfileDetails{
		Phone:       g.randomPhone(),
		DateOfBirth: g.now.AddDate(-(18 + g.rng.Intn(60)), -g.rng.Intn(12), -g.rng.Intn(28)).Format(records.DateLayout),
		Gender:      gender,
		BloodType:   g.pick(bloodTypes),
		EmergencyContact: &records.EmergencyContact{
			Name:         g.Name(),
			Phone:        g.randomPhone(),
			Relationship: g.pick(relations),
		},
	}
	if n := g.rng.Intn(3); n > 0 {
		seen := make(map[string]bool)
		var list []string
		for len(list) < n {
			a := g.pick(allergies)
			if !seen[a] {
				seen[a] = true
				list = append(list, a)
			}
		}
		d.MedicalHistory = &records.MedicalHistory{Allergies: list}
	}
	return d
}

// GenerateHealthMetric produces plausible vitals.
func (g *DataGenerator) GenerateHealthMetric() records.HealthMetric {
	weight := 50 + float64(g.rng.Intn(600))/10
	temp := 36.1 + float64(g.rng.Intn(15))/10
	spo2 := float64(94 + g.rng.Intn(6))
	return records.HealthMetric{
		HeartRate: 55 + g.rng.Intn(45),
		Steps:     g.rng.Intn(15000),
		Sleep:     float64(50+g.rng.Intn(40)) / 10,
		BloodPressure: &records.BloodPressure{
			Systolic:   100 + g.rng.Intn(45),
			Diastolic:  60 + g.rng.Intn(30),
			RecordedAt: records.Stamp(g.now),
		},
		Weight:           &weight,
		BodyTemperature:  &temp,
		OxygenSaturation: &spo2,
	}
}

// Doctor is a seeded doctor as the generator sees it.
type Doctor struct {
	UID  string
	Name string
	doctorDef
}

// GenerateDoctor picks a practice for a new doctor.
func (g *DataGenerator) GenerateDoctor(i int) Doctor {
	return Doctor{Name: "Dr. " + g.Name(), doctorDef: practices[i%len(practices)]}
}

// GenerateAppointment books a visit with d. Index 0 is always today; the
// rest alternate between past completed or cancelled visits and upcoming
// ones.
func (g *DataGenerator) GenerateAppointment(d Doctor, i int) records.Appointment {
	a := records.Appointment{
		DoctorName: d.Name,
		DoctorID:   d.UID,
		Specialty:  d.Specialty,
		Clinic:     d.Clinic,
		Address:    d.Address,
		Phone:      d.Phone,
		Time:       g.pick(visitTimes),
		Notes:      g.pick(visitReasons),
	}
	switch {
	case i == 0:
		a.Date = g.day(0)
		a.Status = records.StatusUpcoming
	case i%2 == 1:
		a.Date = g.day(-(1 + g.rng.Intn(180)))
		a.Status = records.StatusCompleted
		if g.rng.Intn(5) == 0 {
			a.Status = records.StatusCancelled
		}
	default:
		a.Date = g.day(1 + g.rng.Intn(60))
		a.Status = records.StatusUpcoming
		a.ReminderSet = g.rng.Intn(2) == 0
		if a.ReminderSet {
			a.ReminderTime = "1 hour before"
		}
	}
	return a
}

// GeneratePrescription prescribes a medicine from d. Roughly one in four is
// already expired.
func (g *DataGenerator) GeneratePrescription(d Doctor, patientID, patientName string) records.Prescription {
	m := medicines[g.rng.Intn(len(medicines))]
	start := -g.rng.Intn(60)
	length := 14 + g.rng.Intn(90)
	end := start + length

	p := records.Prescription{
		MedicineName:   m.Name,
		Dosage:         m.Dosage,
		DoctorName:     d.Name,
		DoctorID:       d.UID,
		PatientID:      patientID,
		PatientName:    patientName,
		PrescribedDate: g.day(start),
		StartDate:      g.day(start),
		EndDate:        g.day(end),
		Status:         records.StatusActive,
		DaysLeft:       end,
		Instructions:   "Take with water",
		SideEffects:    m.SideEffects,
	}
	if g.rng.Intn(4) == 0 {
		p.EndDate = g.day(start + 7)
		p.Status = records.StatusExpired
		p.DaysLeft = 0
	}
	if p.DaysLeft <= 0 {
		p.Status = records.StatusExpired
		p.DaysLeft = 0
	}
	refills := g.rng.Intn(4)
	p.RefillsRemaining = &refills
	pharmacy := pharmacies[g.rng.Intn(len(pharmacies))]
	p.Pharmacy = &pharmacy
	return p
}

// GenerateCertificate issues a certificate signed by d.
func (g *DataGenerator) GenerateCertificate(d Doctor, patientID, patientName string) records.Certificate {
	k := certificateKinds[g.rng.Intn(len(certificateKinds))]
	issued := -g.rng.Intn(400)
	g.counter++
	return records.Certificate{
		Title:             k.Title,
		Type:              k.Type,
		Purpose:           k.Purpose,
		IssueDate:         g.day(issued),
		ExpiryDate:        g.now.AddDate(0, k.Months, issued).Format(records.DateLayout),
		ValidFor:          fmt.Sprintf("%d months", k.Months),
		DoctorName:        d.Name,
		DoctorID:          d.UID,
		Clinic:            d.Clinic,
		LicenseNumber:     fmt.Sprintf("LIC-%06d", g.rng.Intn(1000000)),
		CertificateNumber: fmt.Sprintf("CERT-%s-%04d", g.now.Format("2006"), g.counter),
		PatientID:         patientID,
		PatientName:       patientName,
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Accounts creates and signs in accounts.
type Accounts interface {
	Register(ctx context.Context, req account.SignUpRequest) (*account.Session, error)
	Authenticate(ctx context.Context, email, password string) (*account.Session, error)
}

// Seeder writes generated data through the record services so every
// convention holds, including the doctor appointment mirror.
type Seeder struct {
	accounts Accounts
	records  *records.Service
	logger   zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewSeeder creates a Seeder writing through accounts and rs.
func NewSeeder(accounts Accounts, rs *records.Service, logger zerolog.Logger) *Seeder {
	return &Seeder{
		accounts: accounts,
		records:  rs,
		logger:   logger.With().Str("component", "sandbox").Logger(),
		now:      time.Now,
	}
}

// Seed generates and writes one data set. Runs are serialized. Accounts whose
// email already exists are signed in and reused.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	if err := records.Validate("seed config", &cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	gen := NewDataGenerator(cfg.Seed, s.now().UTC())
	result := &SeedResult{}

	doctors := make([]Doctor, 0, cfg.DoctorCount)
	for i := 0; i < cfg.DoctorCount; i++ {
		d := gen.GenerateDoctor(i)
		acct, err := s.account(ctx, gen, cfg, "dr.", d.Name, records.RoleDoctor)
		if err != nil {
			return result, err
		}
		d.UID = acct.UID
		doctors = append(doctors, d)
		result.Accounts = append(result.Accounts, acct)
		result.Doctors++
	}

	for i := 0; i < cfg.PatientCount; i++ {
		name := gen.Name()
		acct, err := s.account(ctx, gen, cfg, "", name, records.RolePatient)
		if err != nil {
			return result, err
		}
		result.Accounts = append(result.Accounts, acct)
		if err := s.seedPatient(ctx, gen, cfg, acct, doctors, i, result); err != nil {
			return result, fmt.Errorf("seed patient %s: %w", acct.UID, err)
		}
		result.Patients++
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("doctors", result.Doctors).
		Int("patients", result.Patients).
		Int("appointments", result.Appointments).
		Dur("duration", result.Duration).
		Msg("sandbox seeded")
	return result, nil
}

func (s *Seeder) account(ctx context.Context, gen *DataGenerator, cfg SeedConfig, prefix, name string, role records.Role) (SeededAccount, error) {
	email := gen.Email(prefix, strings.TrimPrefix(name, "Dr. "), cfg.EmailDomain)
	sess, err := s.accounts.Register(ctx, account.SignUpRequest{
		Name:     name,
		Email:    email,
		Password: cfg.Password,
		Role:     role,
	})
	if errors.Is(err, account.ErrEmailTaken) {
		sess, err = s.accounts.Authenticate(ctx, email, cfg.Password)
	}
	if err != nil {
		return SeededAccount{}, fmt.Errorf("account %s: %w", email, err)
	}
	return SeededAccount{UID: sess.Identity.UID, Email: email, Name: name, Role: role}, nil
}

func (s *Seeder) seedPatient(ctx context.Context, gen *DataGenerator, cfg SeedConfig, acct SeededAccount, doctors []Doctor, i int, result *SeedResult) error {
	profile := records.Profile{
		Name:      acct.Name,
		Email:     acct.Email,
		Role:      records.RolePatient,
		CreatedAt: records.Stamp(s.now()),
		Profile:   gen.GenerateProfileDetails(),
	}
	if err := s.records.Profiles.Put(ctx, acct.UID, profile); err != nil {
		return err
	}

	if err := s.records.Health.Save(ctx, acct.UID, gen.GenerateHealthMetric()); err != nil {
		return err
	}
	result.HealthMetrics++

	for j := 0; j < cfg.AppointmentsPerPatient; j++ {
		d := doctors[(i+j)%len(doctors)]
		a := gen.GenerateAppointment(d, j)
		a.PatientName = acct.Name
		if _, err := s.records.BookAppointment(ctx, acct.UID, a); err != nil {
			return err
		}
		result.Appointments++
	}

	for j := 0; j < cfg.PrescriptionsPerPatient; j++ {
		d := doctors[(i+j)%len(doctors)]
		if _, err := s.records.Prescriptions.Create(ctx, acct.UID, gen.GeneratePrescription(d, acct.UID, acct.Name)); err != nil {
			return err
		}
		result.Prescriptions++
	}

	for j := 0; j < cfg.CertificatesPerPatient; j++ {
		d := doctors[(i+j)%len(doctors)]
		if _, err := s.records.Certificates.Create(ctx, acct.UID, gen.GenerateCertificate(d, acct.UID, acct.Name)); err != nil {
			return err
		}
		result.Certificates++
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP in development.
type SeedHandler struct {
	seeder *Seeder
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
}

// handleSeed accepts an optional SeedConfig body; absent fields keep their
// defaults.
func (h *SeedHandler) handleSeed(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid seed config")
		}
	}
	result, err := h.seeder.Seed(c.Request().Context(), cfg)
	if err != nil {
		if errors.Is(err, records.ErrValidation) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, result)
}
