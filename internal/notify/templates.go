package notify

import (
	"fmt"
	"strings"
	"text/template"
)

// notification templates, keyed by name. Variables come from the
// enqueueing service.
var templates = map[string]struct {
	subject string
	body    string
}{
	"verification_code": {
		subject: "Your verification code",
		body:    "Your verification code is {{.code}}. It expires in 5 minutes.",
	},
	"email_verification": {
		subject: "Verify your email address",
		body: "Hi {{.username}},\n\n" +
			"Confirm your email address with this link:\n\n" +
			"{{.base_url}}/verify-email?token={{.token}}\n\n" +
			"The link expires in 24 hours. If you did not create this account, ignore this message.",
	},
	"password_reset": {
		subject: "Reset your password",
		body: "Hi {{.username}},\n\n" +
			"Reset your password with this link:\n\n" +
			"{{.base_url}}/reset-password?token={{.token}}\n\n" +
			"The link expires in 30 minutes. If you did not request a reset, ignore this message.",
	},
}

// Render produces the subject and body for a template. Unknown templates
// are an error so a typo in a caller fails loudly instead of sending an
// empty mail.
func Render(name string, vars map[string]string) (subject, body string, err error) {
	t, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown notification template %q", name)
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(t.body)
	if err != nil {
		return "", "", fmt.Errorf("parse template %q: %w", name, err)
	}

	data := make(map[string]string, len(vars))
	for k, v := range vars {
		data[k] = v
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render template %q: %w", name, err)
	}
	return t.subject, sb.String(), nil
}
