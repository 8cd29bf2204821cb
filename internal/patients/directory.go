package patients

import (
	"context"
	"strings"
)

// Patient is the subset of the hospital patient record the engine needs to
// address and personalise a reminder.
type Patient struct {
	ID                int64  `json:"id"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Phone             string `json:"phone_number"`
	PreferredLanguage string `json:"preferred_language"`
	DoctorName        string `json:"doctor_name,omitempty"`
	Department        string `json:"department,omitempty"`
}

func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Language returns the preferred language, defaulting to fallback.
func (p Patient) Language(fallback string) string {
	if p.PreferredLanguage == "" {
		return fallback
	}
	return strings.ToLower(p.PreferredLanguage)
}

// Directory resolves patients by id. Implementations return a *models.NotFoundError
// for unknown ids.
type Directory interface {
	Patient(ctx context.Context, id int64) (Patient, error)
}
