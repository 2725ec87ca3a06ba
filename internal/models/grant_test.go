package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeWindowContains(t *testing.T) {
	window := TimeWindow{StartMinute: 9 * 60, EndMinute: 17 * 60}

	assert.True(t, window.Contains(9*60), "inclusive start")
	assert.True(t, window.Contains(17*60), "inclusive end")
	assert.True(t, window.Contains(12*60))
	assert.False(t, window.Contains(9*60-1))
	assert.False(t, window.Contains(17*60+1))
}

func TestTimeWindowValidate(t *testing.T) {
	require.NoError(t, TimeWindow{StartMinute: 0, EndMinute: 1439}.Validate())

	assert.Error(t, TimeWindow{StartMinute: -1, EndMinute: 100}.Validate())
	assert.Error(t, TimeWindow{StartMinute: 0, EndMinute: 1440}.Validate())
	// Midnight wrap is not supported; an overnight shift is two grants.
	assert.Error(t, TimeWindow{StartMinute: 1200, EndMinute: 300}.Validate())
}

func TestGrantAllowsResource(t *testing.T) {
	grant := PermissionGrant{}
	assert.True(t, grant.AllowsResource("anything"), "empty list is unrestricted")
	assert.True(t, grant.AllowsResource(""))

	grant.AllowedResources = []string{"warehouse-1", "warehouse-2"}
	assert.True(t, grant.AllowsResource("warehouse-1"))
	assert.False(t, grant.AllowsResource("warehouse-9"))
}

func TestGrantValidate(t *testing.T) {
	grant := PermissionGrant{RoleID: "r1", Module: "inventory", Action: "transfer"}
	require.NoError(t, grant.Validate())

	negative := grant
	negative.AmountCap = decimal.NewNullDecimal(decimal.NewFromInt(-5))
	assert.Error(t, negative.Validate())

	halfWindow := grant
	start := 540
	halfWindow.WindowStart = &start
	assert.Error(t, halfWindow.Validate(), "window requires both ends")

	end := 1020
	halfWindow.WindowEnd = &end
	assert.NoError(t, halfWindow.Validate())
}
