package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"checkout-service/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var orderPlacedTmpl = template.Must(template.ParseFS(templateFS, "templates/order_placed.html"))

// OrderPlaced renders the confirmation email for a placed order
func OrderPlaced(event *models.OrderPlacedEvent) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := orderPlacedTmpl.Execute(&buf, event); err != nil {
		return "", "", fmt.Errorf("failed to render order email: %w", err)
	}
	return fmt.Sprintf("Order #%d confirmation", event.OrderID), buf.String(), nil
}
