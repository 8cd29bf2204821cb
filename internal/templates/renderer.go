package templates

import (
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

//go:embed catalogue.yaml
var catalogueYAML []byte

// Channel is the medium a message is rendered for.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Languages supported by the catalogue.
var Languages = []string{"fr", "en", "es"}

// Vars are the template variables for one reminder.
type Vars map[string]string

// Message is a rendered body with the language it was rendered in.
type Message struct {
	Body     string
	Language string
	Locale   string
}

// Renderer produces the outgoing text for a reminder.
type Renderer interface {
	Render(t models.ReminderType, lang string, ch Channel, vars Vars) (Message, error)
	Variables(p patients.Patient, metadata map[string]any, lang string) Vars
	Wrap(lang string) (greeting, closing, locale string)
}

type languageDef struct {
	Locale     string            `yaml:"locale"`
	Greeting   string            `yaml:"greeting"`
	Closing    string            `yaml:"closing"`
	Months     []string          `yaml:"months"`
	SpokenDate string            `yaml:"spoken_date"`
	Defaults   map[string]string `yaml:"defaults"`
}

type catalogue struct {
	Languages map[string]languageDef                   `yaml:"languages"`
	Templates map[string]map[string]map[Channel]string `yaml:"templates"`
}

// Catalogue is the embedded multilingual template set.
type Catalogue struct {
	languages    map[string]languageDef
	parsed       map[string]*template.Template
	spoken       map[string]*template.Template
	greetings    map[string]*template.Template
	hospitalName string
	contactPhone string
	fallback     string
}

// Options are installation-specific values injected into every message.
type Options struct {
	HospitalName    string
	ContactPhone    string
	DefaultLanguage string
}

// Load parses the embedded catalogue.
func Load(opts Options) (*Catalogue, error) {
	var raw catalogue
	if err := yaml.Unmarshal(catalogueYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	c := &Catalogue{
		languages:    raw.Languages,
		parsed:       map[string]*template.Template{},
		spoken:       map[string]*template.Template{},
		greetings:    map[string]*template.Template{},
		hospitalName: opts.HospitalName,
		contactPhone: opts.ContactPhone,
		fallback:     opts.DefaultLanguage,
	}
	if _, ok := c.languages[c.fallback]; !ok {
		c.fallback = "fr"
	}

	for lang, def := range raw.Languages {
		var err error
		if c.spoken[lang], err = parse("spoken/"+lang, def.SpokenDate); err != nil {
			return nil, err
		}
		if c.greetings[lang], err = parse("greeting/"+lang, def.Greeting); err != nil {
			return nil, err
		}
	}

	for _, typ := range models.ReminderTypes {
		byLang, ok := raw.Templates[string(typ)]
		if !ok {
			return nil, fmt.Errorf("catalogue has no templates for %s", typ)
		}
		for _, lang := range Languages {
			for _, ch := range []Channel{ChannelSMS, ChannelVoice} {
				body, ok := byLang[lang][ch]
				if !ok || strings.TrimSpace(body) == "" {
					return nil, fmt.Errorf("catalogue is missing %s/%s/%s", typ, lang, ch)
				}
				name := key(typ, lang, ch)
				tpl, err := parse(name, body)
				if err != nil {
					return nil, err
				}
				c.parsed[name] = tpl
			}
		}
	}
	return c, nil
}

func parse(name, body string) (*template.Template, error) {
	tpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tpl, nil
}

func key(t models.ReminderType, lang string, ch Channel) string {
	return string(t) + "/" + lang + "/" + string(ch)
}

// language resolves lang to a supported language, falling back to the default.
func (c *Catalogue) language(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := c.languages[lang]; ok {
		return lang
	}
	return c.fallback
}

// Render executes the template for (type, language, channel).
func (c *Catalogue) Render(t models.ReminderType, lang string, ch Channel, vars Vars) (Message, error) {
	lang = c.language(lang)
	tpl, ok := c.parsed[key(t, lang, ch)]
	if !ok {
		return Message{}, fmt.Errorf("no template for %s/%s/%s", t, lang, ch)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]string(vars)); err != nil {
		return Message{}, fmt.Errorf("render %s/%s/%s: %w", t, lang, ch, err)
	}
	return Message{Body: buf.String(), Language: lang, Locale: c.languages[lang].Locale}, nil
}

// Variables builds the template variables for a patient. Metadata values override
// patient fields; anything still missing takes the language's default wording.
func (c *Catalogue) Variables(p patients.Patient, metadata map[string]any, lang string) Vars {
	lang = c.language(lang)
	def := c.languages[lang]

	v := Vars{}
	for k, d := range def.Defaults {
		v[k] = d
	}
	v["hospital_name"] = c.hospitalName
	v["contact_phone"] = c.contactPhone
	setIf(v, "patient_name", p.FullName())
	setIf(v, "doctor_name", p.DoctorName)
	setIf(v, "department", p.Department)

	for k, raw := range metadata {
		switch val := raw.(type) {
		case string:
			setIf(v, k, val)
		case float64:
			setIf(v, k, strconv.FormatFloat(val, 'f', -1, 64))
		case int, int64, bool:
			setIf(v, k, fmt.Sprint(val))
		}
	}

	v["appointment_date_spoken"] = v["appointment_date"]
	if when, ok := parseDate(v["appointment_date"]); ok {
		v["appointment_date"] = when.Format("02/01/2006")
		v["appointment_date_spoken"] = c.spokenDate(lang, when)
		if _, explicit := metadata["appointment_time"]; !explicit && (when.Hour() != 0 || when.Minute() != 0) {
			v["appointment_time"] = when.Format("15:04")
		}
	}
	return v
}

func setIf(v Vars, k, val string) {
	if strings.TrimSpace(val) != "" {
		v[k] = val
	}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c *Catalogue) spokenDate(lang string, t time.Time) string {
	def := c.languages[lang]
	month := t.Month().String()
	if int(t.Month()) <= len(def.Months) {
		month = def.Months[t.Month()-1]
	}
	var buf bytes.Buffer
	err := c.spoken[lang].Execute(&buf, map[string]string{
		"day":   strconv.Itoa(t.Day()),
		"month": month,
		"year":  strconv.Itoa(t.Year()),
	})
	if err != nil {
		return t.Format("02/01/2006")
	}
	return buf.String()
}

// Wrap returns the localised greeting and closing spoken around a voice body.
func (c *Catalogue) Wrap(lang string) (greeting, closing, locale string) {
	lang = c.language(lang)
	def := c.languages[lang]
	var buf bytes.Buffer
	if err := c.greetings[lang].Execute(&buf, map[string]string{"hospital_name": c.hospitalName}); err != nil {
		buf.Reset()
	}
	return buf.String(), def.Closing, def.Locale
}
