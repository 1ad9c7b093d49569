package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tucanchat/tucan/core/models"
	"github.com/nyaruka/null/v3"
)

func TestDisplayName(t *testing.T) {
	c := &models.Contact{}
	assert.Equal(t, "Customer", c.DisplayName())

	c.ProfileName = null.String("dumi :)")
	assert.Equal(t, "dumi :)", c.DisplayName())

	c.Name = null.String("Dumisani M")
	assert.Equal(t, "Dumisani M", c.DisplayName())
}

func TestSamePhone(t *testing.T) {
	assert.True(t, models.SamePhone("+27115550199", "27115550199"))
	assert.True(t, models.SamePhone("+27 11 555 0199", "27-11-555-0199"))
	assert.False(t, models.SamePhone("27115550199", "27115550100"))
	assert.False(t, models.SamePhone("", ""))
	assert.Equal(t, "27115550199", models.DigitsOnly("+27 11 555 0199"))
}

func TestOrgHelpers(t *testing.T) {
	org := Org1
	assert.True(t, org.IsActive())
	assert.Equal(t, "Africa/Johannesburg", org.Location().String())

	org.Status = models.OrgStatusExpired
	assert.False(t, org.IsActive())

	org.Timezone = "Neverland/Nowhere"
	assert.Equal(t, "UTC", org.Location().String())
}
