package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

func testSnapshot() *model.ManifestSnapshot {
	min := 0.0
	max := 10.0
	return &model.ManifestSnapshot{
		FetchedAt: time.Now(),
		Tools: map[string]model.ToolDescriptor{
			"crm_upsert_lead": {
				Name:       "crm_upsert_lead",
				Endpoint:   "http://crm.local/upsert",
				Idempotent: true,
				Schema: model.ArgumentSchema{
					Fields: map[string]model.FieldSpec{
						"name":   {Type: "string", Required: true, MinLen: 2},
						"email":  {Type: "string", Format: model.FormatEmail},
						"phone":  {Type: "string", Format: model.FormatE164},
						"source": {Type: "string", Enum: []string{"chat", "voice"}},
					},
				},
			},
			"calendar_block_slot": {
				Name:     "calendar_block_slot",
				Endpoint: "http://calendar.local/block",
				Schema: model.ArgumentSchema{
					Fields: map[string]model.FieldSpec{
						"start":  {Type: "string", Required: true, Format: model.FormatRFC3339},
						"end":    {Type: "string", Required: true, Format: model.FormatRFC3339},
						"guests": {Type: "integer", Min: &min, Max: &max},
					},
					DatetimeRanges: [][2]string{{"start", "end"}},
				},
			},
		},
	}
}

func TestArgumentsUnknownTool(t *testing.T) {
	_, err := Arguments("nonexistent", nil, testSnapshot())
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindUnknownTool))
}

func TestArgumentsMissingRequired(t *testing.T) {
	_, err := Arguments("crm_upsert_lead", map[string]any{"email": "a@b.com"}, testSnapshot())
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindValidation))
	assert.Contains(t, err.Error(), "name")
}

func TestArgumentsNormalizesAndDropsUnknownFields(t *testing.T) {
	args, err := Arguments("crm_upsert_lead", map[string]any{
		"name":       "  Somsak  ",
		"email":      "Somsak@Example.COM",
		"phone":      "+66 (81) 234-5678",
		"source":     "chat",
		"undeclared": "dropped",
	}, testSnapshot())
	require.NoError(t, err)

	assert.Equal(t, "Somsak", args["name"])
	assert.Equal(t, "somsak@example.com", args["email"])
	assert.Equal(t, "+66812345678", args["phone"])
	assert.Equal(t, "chat", args["source"])
	assert.NotContains(t, args, "undeclared")
}

func TestArgumentsPhoneGrid(t *testing.T) {
	cases := []struct {
		phone string
		ok    bool
	}{
		{"+66812345678", true},
		{"+14155552671", true},
		{"+1 415 555 2671", true}, // separators are stripped before the check
		{"66812345678", false},    // missing plus
		{"+066812345678", false},  // leading zero after plus
		{"+6681234567890123456", false}, // too long
		{"+", false},
		{"call me maybe", false},
	}
	for _, tc := range cases {
		_, err := Arguments("crm_upsert_lead", map[string]any{
			"name":  "Somsak",
			"phone": tc.phone,
		}, testSnapshot())
		if tc.ok {
			assert.NoError(t, err, "phone %q", tc.phone)
		} else {
			assert.Error(t, err, "phone %q", tc.phone)
		}
	}
}

func TestArgumentsEnumRejected(t *testing.T) {
	_, err := Arguments("crm_upsert_lead", map[string]any{
		"name":   "Somsak",
		"source": "carrier-pigeon",
	}, testSnapshot())
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindValidation))
}

func TestArgumentsDatetimeRange(t *testing.T) {
	base := map[string]any{
		"start": "2026-09-01T15:00:00+02:00",
		"end":   "2026-09-01T16:00:00+02:00",
	}
	args, err := Arguments("calendar_block_slot", base, testSnapshot())
	require.NoError(t, err)
	// reserialized to UTC
	assert.Equal(t, "2026-09-01T13:00:00Z", args["start"])
	assert.Equal(t, "2026-09-01T14:00:00Z", args["end"])

	_, err = Arguments("calendar_block_slot", map[string]any{
		"start": "2026-09-01T16:00:00Z",
		"end":   "2026-09-01T15:00:00Z",
	}, testSnapshot())
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindValidation))

	// equal endpoints are also rejected
	_, err = Arguments("calendar_block_slot", map[string]any{
		"start": "2026-09-01T15:00:00Z",
		"end":   "2026-09-01T15:00:00Z",
	}, testSnapshot())
	require.Error(t, err)
}

func TestArgumentsIntegerBounds(t *testing.T) {
	args, err := Arguments("calendar_block_slot", map[string]any{
		"start":  "2026-09-01T15:00:00Z",
		"end":    "2026-09-01T16:00:00Z",
		"guests": float64(4), // JSON numbers decode as float64
	}, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 4, args["guests"])

	_, err = Arguments("calendar_block_slot", map[string]any{
		"start":  "2026-09-01T15:00:00Z",
		"end":    "2026-09-01T16:00:00Z",
		"guests": 2.5,
	}, testSnapshot())
	require.Error(t, err)

	_, err = Arguments("calendar_block_slot", map[string]any{
		"start":  "2026-09-01T15:00:00Z",
		"end":    "2026-09-01T16:00:00Z",
		"guests": float64(11),
	}, testSnapshot())
	require.Error(t, err)
}

func TestArgumentsPurity(t *testing.T) {
	snap := testSnapshot()
	raw := map[string]any{"name": "  Somsak  ", "phone": "+66 81 234 5678"}

	first, err := Arguments("crm_upsert_lead", raw, snap)
	require.NoError(t, err)
	second, err := Arguments("crm_upsert_lead", raw, snap)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// input map is never mutated
	assert.Equal(t, "  Somsak  ", raw["name"])
}

func TestIsE164(t *testing.T) {
	assert.True(t, IsE164("+66812345678"))
	assert.False(t, IsE164("+66 81 234 5678"))
	assert.False(t, IsE164("0812345678"))
}
