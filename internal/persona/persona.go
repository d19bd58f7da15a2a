// Package persona holds the agent personas that shape the upstream prompt,
// voice and greeting.
package persona

import (
	"sort"
	"strings"
	"time"
)

const (
	DefaultKey        = "indivillage"
	DefaultVoiceModel = "aura-2-thalia-en"

	// DateLayout renders dates like "Monday, January 02, 2006".
	DateLayout = "Monday, January 02, 2006"
)

// Persona describes who the agent is for one company.
type Persona struct {
	Key          string
	Company      string
	VoiceModel   string
	VoiceName    string
	Personality  string
	Capabilities string
}

type template struct {
	company      string
	personality  string
	capabilities string
}

var catalogue = map[string]template{
	"indivillage": {
		company: "IndiVillage Tech Solutions",
		personality: "You are {voice}, a friendly and professional customer service representative for {company}, " +
			"a social enterprise that provides high-quality data services and empowers rural communities in India. " +
			"Your role is to assist potential customers and partners with inquiries about IndiVillage's services, " +
			"impact, and collaboration opportunities.",
		capabilities: "I can help you answer questions about IndiVillage's data services, social impact, " +
			"rural empowerment initiatives, and partnership opportunities.",
	},
}

// Keys lists the available personas.
func Keys() []string {
	out := make([]string, 0, len(catalogue))
	for k := range catalogue {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the persona for key. Unknown keys fall back to the default
// persona. An empty voiceModel selects DefaultVoiceModel and an empty
// voiceName is derived from the model.
func New(key, voiceModel, voiceName string) Persona {
	key = strings.ToLower(strings.TrimSpace(key))
	tpl, ok := catalogue[key]
	if !ok {
		key = DefaultKey
		tpl = catalogue[DefaultKey]
	}
	voiceModel = strings.TrimSpace(voiceModel)
	if voiceModel == "" {
		voiceModel = DefaultVoiceModel
	}
	voiceName = strings.TrimSpace(voiceName)
	if voiceName == "" {
		voiceName = VoiceNameFromModel(voiceModel)
	}
	r := strings.NewReplacer("{voice}", voiceName, "{company}", tpl.company)
	return Persona{
		Key:          key,
		Company:      tpl.company,
		VoiceModel:   voiceModel,
		VoiceName:    voiceName,
		Personality:  r.Replace(tpl.personality),
		Capabilities: tpl.capabilities,
	}
}

// WithVoice returns a copy speaking with model. The voice name follows the
// model.
func (p Persona) WithVoice(model string) Persona {
	model = strings.TrimSpace(model)
	if model == "" || model == p.VoiceModel {
		return p
	}
	return New(p.Key, model, "")
}

// VoiceNameFromModel derives a display name from a TTS model id:
// "aura-2-thalia-en" becomes "Thalia".
func VoiceNameFromModel(model string) string {
	name := strings.ReplaceAll(model, "aura-2-", "")
	name = strings.ReplaceAll(name, "aura-", "")
	name = strings.SplitN(name, "-", 2)[0]
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:])
}

func (p Persona) Greeting() string {
	return "Hey! I'm " + p.Company + " voice assistant, How may I assist you today?"
}

// Prompt renders the full system prompt for the given day.
func (p Persona) Prompt(now time.Time) string {
	r := strings.NewReplacer("{company}", p.Company, "{current_date}", now.Format(DateLayout))
	return p.Personality + "\n\n" + strings.TrimSpace(r.Replace(routingPrompt)) + "\n\n" + strings.TrimSpace(r.Replace(servicePrompt))
}
