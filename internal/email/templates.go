package email

import (
	"bytes"
	"fmt"
	"html/template"
)

// TemplateID names a lifecycle email.
type TemplateID string

const (
	TemplateWelcome       TemplateID = "welcome"
	TemplateTrialReminder TemplateID = "trial_reminder"
	TemplateFinalReminder TemplateID = "final_reminder"
	TemplateConversion    TemplateID = "conversion"
)

// TemplateData carries the fields the lifecycle templates interpolate.
type TemplateData struct {
	Name         string
	PlanName     string
	TrialEndDate string
}

type tmpl struct {
	subject string
	html    *template.Template
	text    string
}

var templates = map[TemplateID]tmpl{
	TemplateWelcome: {
		subject: "Welcome to BrandForge: your trial has started",
		html: template.Must(template.New("welcome").Parse(
			`<p>Hi {{.Name}},</p>` +
				`<p>Your <strong>{{.PlanName}}</strong> trial is live. Set up your first brand and generate your first posts today.</p>` +
				`<p>The BrandForge team</p>`)),
		text: "Hi %s,\n\nYour %s trial is live. Set up your first brand and generate your first posts today.\n\nThe BrandForge team",
	},
	TemplateTrialReminder: {
		subject: "3 days left in your BrandForge trial",
		html: template.Must(template.New("trial_reminder").Parse(
			`<p>Hi {{.Name}},</p>` +
				`<p>Your {{.PlanName}} trial ends on {{.TrialEndDate}}. Add a payment method to keep your brands and content.</p>`)),
		text: "Hi %s,\n\nYour %s trial ends on %s. Add a payment method to keep your brands and content.",
	},
	TemplateFinalReminder: {
		subject: "Your BrandForge trial ends tomorrow",
		html: template.Must(template.New("final_reminder").Parse(
			`<p>Hi {{.Name}},</p>` +
				`<p>Last call: your {{.PlanName}} trial ends on {{.TrialEndDate}}. After that, generation pauses until you subscribe.</p>`)),
		text: "Hi %s,\n\nLast call: your %s trial ends on %s. After that, generation pauses until you subscribe.",
	},
	TemplateConversion: {
		subject: "You're all set, welcome aboard",
		html: template.Must(template.New("conversion").Parse(
			`<p>Hi {{.Name}},</p>` +
				`<p>Thanks for subscribing to {{.PlanName}}. Your limits are active for the new billing period.</p>`)),
		text: "Hi %s,\n\nThanks for subscribing to %s. Your limits are active for the new billing period.",
	},
}

// Render produces a ready-to-send Message from a template id and data. It is
// a pure function of its inputs and knows nothing about the transport.
func Render(id TemplateID, to string, data TemplateData) (Message, error) {
	t, ok := templates[id]
	if !ok {
		return Message{}, fmt.Errorf("unknown email template %q", id)
	}

	var html bytes.Buffer
	if err := t.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render template %s: %w", id, err)
	}

	var text string
	switch id {
	case TemplateWelcome, TemplateConversion:
		text = fmt.Sprintf(t.text, data.Name, data.PlanName)
	default:
		text = fmt.Sprintf(t.text, data.Name, data.PlanName, data.TrialEndDate)
	}

	return Message{
		To:      to,
		Subject: t.subject,
		HTML:    html.String(),
		Text:    text,
		Tag:     string(id),
	}, nil
}
