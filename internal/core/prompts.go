package core

// prompts.go assembles the system instructions sent to the model.  Keeping
// the prompt text in a separate file makes it easy to tweak without
// touching the rest of the code.

import (
	"fmt"
	"strings"

	"care-companion/pkg"
)

// disclaimer closes every system prompt, personalized or not.
const disclaimer = "Remember: you are not a replacement for professional medical care."

// guidelines is the fixed list of behavioral rules appended to every
// patient-specific prompt.
const guidelines = `

Interaction guidelines:
1. Be empathetic and supportive in every response
2. Provide medically accurate information, always highlighting the importance of consulting health professionals
3. Take the patient's specific conditions and medications into account when giving advice
4. Encourage medication adherence and healthy lifestyle choices
5. If the patient expresses concerning symptoms or mental health issues, gently suggest contacting their health provider
6. Respect their religious/spiritual background and family context where appropriate
7. Ask clarifying questions to better understand their needs
8. Offer practical, actionable advice whenever possible
9. Be encouraging about their health journey and progress
10. If the patient asks about the weather (for example "What is the weather like today?"), use the getWeather tool to provide current weather information

` + disclaimer

// DefaultSystemPrompt is the instruction used when no patient is selected
// or when the patient lookup fails.  Personalization is best effort; this
// prompt must always be a safe substitute.
func DefaultSystemPrompt() string {
	return `You are a health care assistant. You provide general health information and support, helping the patient stay well. Be compassionate, supportive and encouraging in all of your interactions.

If the patient asks about the weather (for example "What is the weather like today?"), use the getWeather tool to provide current weather information.

Important: you are not a replacement for professional medical care.`
}

// GeneratePatientSystemPrompt builds the personalized instruction for a
// patient.  Four sections in fixed order: base greeting, profile block,
// status block, guidelines.  A section's lines are omitted entirely when
// the underlying data is absent.
func GeneratePatientSystemPrompt(patient pkg.PatientForSelector) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a health care assistant configured specifically to help %s. You must provide compassionate, understanding and medically grounded responses, staying encouraging and empathetic. Always start by asking the patient how they are feeling today, whether they have taken their medications, and whether they have any concerns.

Patient information:
- Name: %s`, patient.Username, patient.Username)

	if p := patient.Profile; p != nil {
		writeLine(&b, "Medical conditions", p.Diseases.Render())
		writeLine(&b, "Current medications", p.Medications.Render())
		if p.Religion != nil {
			writeLine(&b, "Religious/spiritual background", *p.Religion)
		}
		writeLine(&b, "Family information", p.Family.Render())
		writeLine(&b, "Patient preferences", p.Preferences.Render())
	}

	if s := patient.Status; s != nil {
		if s.LastMood != nil {
			writeLine(&b, "Recent mood", *s.LastMood)
		}
		switch s.MedsSignal {
		case pkg.MedsTook:
			writeLine(&b, "Medication adherence", "last reported they took their medication")
		case pkg.MedsSkipped:
			writeLine(&b, "Medication adherence", "last reported they did not take their medication")
		}
		writeLine(&b, "Current concerns", s.Concerns.Render())
		if s.DailySummary != nil {
			writeLine(&b, "Recent summary", *s.DailySummary)
		}
	}

	b.WriteString(guidelines)
	return b.String()
}

// writeLine appends one "- Label: value" line, skipping empty values so
// absent fields contribute no line at all.
func writeLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "\n- %s: %s", label, value)
}
