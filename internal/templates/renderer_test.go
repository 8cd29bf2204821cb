package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

func loadCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	c, err := Load(Options{HospitalName: "Hôpital Général de Douala", ContactPhone: "+237 233 40 25 12", DefaultLanguage: "fr"})
	require.NoError(t, err)
	return c
}

func TestCatalogueCoversEveryTypeLanguageAndChannel(t *testing.T) {
	c := loadCatalogue(t)
	p := patients.Patient{FirstName: "Amina", LastName: "Bello"}
	for _, typ := range models.ReminderTypes {
		for _, lang := range Languages {
			for _, ch := range []Channel{ChannelSMS, ChannelVoice} {
				msg, err := c.Render(typ, lang, ch, c.Variables(p, nil, lang))
				require.NoError(t, err, "%s/%s/%s", typ, lang, ch)
				assert.Contains(t, msg.Body, "Amina Bello", "%s/%s/%s", typ, lang, ch)
				assert.NotContains(t, msg.Body, "{{")
				assert.Equal(t, lang, msg.Language)
			}
		}
	}
}

func TestVariablesFromPatientAndMetadata(t *testing.T) {
	c := loadCatalogue(t)
	p := patients.Patient{FirstName: "Jean", LastName: "Mbarga", DoctorName: "Ngo", Department: "Cardiologie"}
	meta := map[string]any{"appointment_date": "2026-03-14T10:30:00Z", "department": "Pédiatrie"}

	v := c.Variables(p, meta, "fr")
	assert.Equal(t, "Jean Mbarga", v["patient_name"])
	assert.Equal(t, "Ngo", v["doctor_name"])
	assert.Equal(t, "Pédiatrie", v["department"], "metadata overrides the patient record")
	assert.Equal(t, "14/03/2026", v["appointment_date"])
	assert.Equal(t, "14 mars 2026", v["appointment_date_spoken"])
	assert.Equal(t, "10:30", v["appointment_time"])

	msg, err := c.Render(models.TypeAppointment, "fr", ChannelSMS, v)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour Jean Mbarga, rappel de votre rendez-vous avec Ngo le 14/03/2026 à 10:30 au service Pédiatrie de Hôpital Général de Douala. Merci de vous présenter 15 minutes avant l'heure. Contact: +237 233 40 25 12", msg.Body)

	en := c.Variables(p, meta, "en")
	assert.Equal(t, "March 14, 2026", en["appointment_date_spoken"])
	es := c.Variables(p, meta, "es")
	assert.Equal(t, "14 de marzo de 2026", es["appointment_date_spoken"])
}

func TestMissingValuesUseLocalisedDefaults(t *testing.T) {
	c := loadCatalogue(t)
	v := c.Variables(patients.Patient{}, map[string]any{"dosage": 2.5}, "en")
	assert.Equal(t, "Patient", v["patient_name"])
	assert.Equal(t, "your medication", v["medication_name"])
	assert.Equal(t, "2.5", v["dosage"])
}

func TestUnknownLanguageFallsBack(t *testing.T) {
	c := loadCatalogue(t)
	msg, err := c.Render(models.TypeHealthTip, "de-DE", ChannelSMS, c.Variables(patients.Patient{FirstName: "Eva"}, nil, "de"))
	require.NoError(t, err)
	assert.Equal(t, "fr", msg.Language)

	msg, err = c.Render(models.TypeHealthTip, "EN-gb", ChannelSMS, Vars{"patient_name": "Eva"})
	require.NoError(t, err)
	assert.Equal(t, "en", msg.Language)
	assert.True(t, strings.HasPrefix(msg.Body, "Hello Eva"))
}

func TestTwiMLWrapsBody(t *testing.T) {
	c := loadCatalogue(t)
	doc, err := TwiML(c, "Prenez votre traitement.", "fr")
	require.NoError(t, err)
	assert.Contains(t, doc, "<Response>")
	assert.Contains(t, doc, "Message de Hôpital Général de Douala.")
	assert.Contains(t, doc, "Prenez votre traitement.")
	assert.Contains(t, doc, "Merci et à bientôt.")
	assert.Contains(t, doc, "fr-FR")
	assert.Contains(t, doc, "<Pause")
}
