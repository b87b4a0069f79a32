package checkin

import (
	"strings"

	"ms-fulfillment/internal/models"
)

// ApplyDisclosure redacts participant PII on the view according to the
// configured level. Organizers always see full data regardless of level;
// this is a pure function over the response, stored rows are untouched.
func ApplyDisclosure(view *TicketView, level models.PIIDisclosure, actor models.Actor) {
	if actor.HasRole(models.RoleOrganizer) {
		return
	}

	switch level {
	case models.PIIFull:
		return
	case models.PIIMasked:
		view.OwnerName = MaskName(view.OwnerName)
		view.OwnerEmail = MaskEmail(view.OwnerEmail)
	default: // none
		view.OwnerName = ""
		view.OwnerEmail = ""
	}
}

// MaskName keeps the first rune of each word: "Ada Lovelace" -> "A. L.".
func MaskName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	parts := strings.Fields(name)
	masked := make([]string, 0, len(parts))
	for _, part := range parts {
		runes := []rune(part)
		masked = append(masked, string(runes[0])+".")
	}
	return strings.Join(masked, " ")
}

// MaskEmail keeps the first character of the local part and the domain:
// "ada@example.org" -> "a***@example.org".
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	local := []rune(email[:at])
	return string(local[0]) + "***" + email[at:]
}
