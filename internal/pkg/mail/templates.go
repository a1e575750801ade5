package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

// Notice is the data rendered into purchase emails.
type Notice struct {
	Name      string
	Item      string
	Reference string
	Amount    int64
	Currency  string
	Status    string
}

var (
	activatedTmpl = template.Must(template.New("activated").Parse(
		`<p>Bonjour {{.Name}},</p>
<p>Votre paiement de {{.Amount}} {{.Currency}} (référence {{.Reference}}) a été confirmé. {{.Item}} est maintenant actif.</p>
<p>Merci pour votre confiance.</p>`))

	closedTmpl = template.Must(template.New("closed").Parse(
		`<p>Bonjour {{.Name}},</p>
<p>Le paiement {{.Reference}} pour {{.Item}} n'a pas abouti ({{.Status}}). Aucun montant n'a été activé sur votre compte, vous pouvez relancer l'achat à tout moment.</p>`))
)

// PurchaseActivated renders the confirmation email.
func PurchaseActivated(n Notice) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := activatedTmpl.Execute(&buf, n); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Paiement confirmé: %s", n.Item), buf.String(), nil
}

// PurchaseClosed renders the email sent when a pending purchase failed or
// expired.
func PurchaseClosed(n Notice) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := closedTmpl.Execute(&buf, n); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Paiement non abouti: %s", n.Item), buf.String(), nil
}
