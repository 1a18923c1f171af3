package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliverySent, DeliveryDelivered, true},
		{DeliverySent, DeliveryRead, true},
		{DeliverySent, DeliveryFailed, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliveryDelivered, DeliveryFailed, false},
		{DeliveryDelivered, DeliverySent, false},
		{DeliveryRead, DeliverySent, false},
		{DeliveryRead, DeliveryDelivered, false},
		{DeliveryRead, DeliveryRead, false},
		{DeliveryFailed, DeliverySent, false},
		{DeliveryFailed, DeliveryRead, false},
		{DeliverySent, DeliverySent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanAdvanceTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPredecessorsOf(t *testing.T) {
	assert.ElementsMatch(t, []DeliveryStatus{DeliverySent, DeliveryDelivered}, PredecessorsOf(DeliveryRead))
	assert.ElementsMatch(t, []DeliveryStatus{DeliverySent}, PredecessorsOf(DeliveryFailed))
	assert.Empty(t, PredecessorsOf(DeliverySent))
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("operator")
	assert.True(t, ok)
	assert.Equal(t, RoleOperator, r)

	_, ok = ParseRole("Admin")
	assert.False(t, ok)
	_, ok = ParseRole("")
	assert.False(t, ok)
}

func TestSessionStatus_HasOperator(t *testing.T) {
	assert.True(t, SessionActive.HasOperator())
	assert.True(t, SessionTransferred.HasOperator())
	assert.False(t, SessionWaiting.HasOperator())
	assert.False(t, SessionClosed.HasOperator())
}
