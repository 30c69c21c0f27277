package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name    string
		typ     TaskType
		data    map[string]any
		wantErr string
	}{
		{
			name: "valid vehicle",
			typ:  TaskPostVehicle,
			data: map[string]any{
				"vehicle": map[string]any{"make": "Toyota", "model": "Camry", "year": 2019, "price": 18500.0},
				"photos":  []any{"a.jpg"},
			},
		},
		{
			name:    "vehicle missing make",
			typ:     TaskPostVehicle,
			data:    map[string]any{"vehicle": map[string]any{"model": "Camry"}},
			wantErr: "missing vehicle make/model",
		},
		{
			name:    "vehicle negative price",
			typ:     TaskPostVehicle,
			data:    map[string]any{"vehicle": map[string]any{"make": "Toyota", "model": "Camry", "price": -1.0}},
			wantErr: "negative price",
		},
		{
			name: "valid item",
			typ:  TaskPostItem,
			data: map[string]any{"item": map[string]any{"title": "Desk", "price": 40.0}},
		},
		{
			name:    "item missing title",
			typ:     TaskPostItem,
			data:    map[string]any{"item": map[string]any{"price": 40.0}},
			wantErr: "missing item title",
		},
		{
			name: "session payload is all optional",
			typ:  TaskValidateSession,
			data: map[string]any{},
		},
		{
			name: "valid listing ref",
			typ:  TaskDeleteListing,
			data: map[string]any{"listing_id": "lst_42"},
		},
		{
			name:    "listing ref missing id",
			typ:     TaskUpdateListing,
			data:    map[string]any{"fields": map[string]any{"price": 10}},
			wantErr: "missing listing_id",
		},
		{
			name:    "unknown type",
			typ:     TaskType("mine_bitcoin"),
			data:    map[string]any{},
			wantErr: "unknown task type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := DecodePayload(tc.typ, tc.data)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, payload)
		})
	}
}

func TestTaskValidate(t *testing.T) {
	base := func() *Task {
		return &Task{
			ID:        "task_00112233",
			Type:      TaskPostItem,
			AccountID: "acct_1",
			Data:      map[string]any{"item": map[string]any{"title": "Desk"}},
			Priority:  DefaultPriority,
			CreatedAt: time.Now().UTC(),
		}
	}

	require.NoError(t, base().Validate())

	noID := base()
	noID.ID = ""
	assert.ErrorContains(t, noID.Validate(), "missing id")

	badType := base()
	badType.Type = "hack_the_planet"
	assert.ErrorContains(t, badType.Validate(), "unknown task type")

	noAccount := base()
	noAccount.AccountID = ""
	assert.ErrorContains(t, noAccount.Validate(), "missing account_id")

	badPriority := base()
	badPriority.Priority = 11
	assert.ErrorContains(t, badPriority.Validate(), "outside")

	badPayload := base()
	badPayload.Data = map[string]any{"item": map[string]any{}}
	assert.ErrorContains(t, badPayload.Validate(), "missing item title")
}
