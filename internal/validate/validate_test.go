package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/apperr"
)

type line struct {
	MenuItemID string `json:"menuItemId" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"gte=1"`
}

type request struct {
	TableID string `json:"tableId" validate:"required"`
	Items   []line `json:"items" validate:"min=1,dive"`
}

func TestStruct_ReportsJSONPath(t *testing.T) {
	err := Struct(context.Background(), request{
		TableID: "T1",
		Items:   []line{{MenuItemID: "burger", Quantity: 1}, {MenuItemID: "fries", Quantity: 0}},
	})

	ae := apperr.Destruct(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Equal(t, "items[1].quantity", ae.Field)
	assert.Contains(t, ae.Message, "greater than or equal to 1")
}

func TestStruct_MissingRequired(t *testing.T) {
	err := Struct(context.Background(), request{Items: []line{{MenuItemID: "x", Quantity: 1}}})

	ae := apperr.Destruct(err)
	assert.Equal(t, "tableId", ae.Field)
	assert.Equal(t, "is required", ae.Message)
}

func TestStruct_Valid(t *testing.T) {
	assert.NoError(t, Struct(context.Background(), request{TableID: "T1", Items: []line{{MenuItemID: "x", Quantity: 2}}}))
}
