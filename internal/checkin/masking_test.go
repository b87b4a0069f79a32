package checkin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-fulfillment/internal/checkin"
	"ms-fulfillment/internal/models"
)

func TestMaskName(t *testing.T) {
	assert.Equal(t, "A. L.", checkin.MaskName("Ada Lovelace"))
	assert.Equal(t, "A.", checkin.MaskName("Ada"))
	assert.Equal(t, "A. B. C.", checkin.MaskName("Ada B Carter"))
	assert.Equal(t, "", checkin.MaskName(""))
	assert.Equal(t, "", checkin.MaskName("   "))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.org", checkin.MaskEmail("ada@example.org"))
	assert.Equal(t, "l***@mail.test", checkin.MaskEmail("lovelace@mail.test"))
	assert.Equal(t, "", checkin.MaskEmail("not-an-email"))
	assert.Equal(t, "", checkin.MaskEmail("@example.org"))
	assert.Equal(t, "", checkin.MaskEmail(""))
}

func TestApplyDisclosureLevels(t *testing.T) {
	scanner := models.Actor{ID: "scanner-1", Roles: []models.Role{models.RoleScanner}}

	fresh := func() *checkin.TicketView {
		return &checkin.TicketView{
			TicketID:   "t-1",
			OwnerName:  "Ada Lovelace",
			OwnerEmail: "ada@example.org",
		}
	}

	view := fresh()
	checkin.ApplyDisclosure(view, models.PIIFull, scanner)
	assert.Equal(t, "Ada Lovelace", view.OwnerName)
	assert.Equal(t, "ada@example.org", view.OwnerEmail)

	view = fresh()
	checkin.ApplyDisclosure(view, models.PIIMasked, scanner)
	assert.Equal(t, "A. L.", view.OwnerName)
	assert.Equal(t, "a***@example.org", view.OwnerEmail)

	view = fresh()
	checkin.ApplyDisclosure(view, models.PIINone, scanner)
	assert.Empty(t, view.OwnerName)
	assert.Empty(t, view.OwnerEmail)
}

func TestApplyDisclosureOrganizerSeesEverything(t *testing.T) {
	organizer := models.Actor{ID: "org-1", Roles: []models.Role{models.RoleOrganizer}}

	view := &checkin.TicketView{OwnerName: "Ada Lovelace", OwnerEmail: "ada@example.org"}
	checkin.ApplyDisclosure(view, models.PIINone, organizer)

	assert.Equal(t, "Ada Lovelace", view.OwnerName)
	assert.Equal(t, "ada@example.org", view.OwnerEmail)
}
