package karma

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBalancesTolerant(t *testing.T) {
	p := DefaultPolicy()
	raw := map[string]any{
		"DharmaPoints": 5.0,
		"SevaPoints":   map[string]any{"nested": 1.0},
		"PunyaTokens":  json.Number("2.5"),
		"PaapTokens":   map[string]any{"minor": 2.0, "medium": "lots", "maha": nil},
		"Rnanubandhan": 3.0,
		"Mystery":      1.0,
	}

	got, issues := DecodeBalances(raw, p)

	want := map[Path]float64{
		DharmaPoints: 5,
		SevaPoints:   0,
		PunyaTokens:  2.5,
		PaapMinor:    2,
		PaapMedium:   0,
		PaapMaha:     0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("balances mismatch (-want +got):\n%s", diff)
	}

	fields := make([]string, 0, len(issues))
	for _, is := range issues {
		fields = append(fields, is.Field)
	}
	assert.ElementsMatch(t, []string{
		"SevaPoints", "PaapTokens.medium", "PaapTokens.maha", "Rnanubandhan", "Mystery",
	}, fields)
}

func TestDecodeLegacyLedger(t *testing.T) {
	p := DefaultPolicy()
	doc := `{
		"user_id": " u42 ",
		"role": "saint",
		"balances": {
			"DharmaPoints": 30,
			"SevaPoints": 25,
			"PaapTokens": {"minor": 1, "medium": 0, "maha": 0}
		},
		"token_meta": {
			"SevaPoints": {"created_at": "2024-12-01T10:00:00", "last_update": "2024-12-02T10:00:00"},
			"PaapTokens": {"created_at": "2024-11-01T00:00:00Z"}
		},
		"last_decay": "2024-12-31T00:00:00.000000",
		"cheat_history": [
			{"timestamp": "2024-12-20T00:00:00", "punishment_level": 1, "value": -2},
			{"timestamp": "garbage", "punishment_level": 2, "value": -5}
		],
		"rebirth_count": 2
	}`

	l, issues, err := DecodeLegacyLedger([]byte(doc), p, t0)
	require.NoError(t, err)

	assert.Equal(t, "u42", l.UserID)
	assert.Equal(t, "volunteer", l.Role, "role is recomputed, not trusted")
	assert.Equal(t, 2, l.RebirthCount)
	assert.Equal(t, 30.0, l.Balance(DharmaPoints))
	assert.Equal(t, 1.0, l.Balance(PaapMinor))
	assert.Equal(t, "2024-12-31T00:00:00Z", l.LastDecay.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2024-12-01T10:00:00Z", l.Meta[SevaPoints].CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2024-11-01T00:00:00Z", l.Meta[PaapMaha].CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, t0, l.Meta[DharmaPoints].CreatedAt, "untracked balance starts aging at import")
	require.Len(t, l.Offenses, 1)
	assert.Equal(t, 1, l.Offenses[0].Level)

	fields := make([]string, 0, len(issues))
	for _, is := range issues {
		fields = append(fields, is.Field)
	}
	assert.ElementsMatch(t, []string{"cheat_history[1].timestamp", "role"}, fields)
}

func TestDecodeLegacyLedgerErrors(t *testing.T) {
	p := DefaultPolicy()

	_, _, err := DecodeLegacyLedger([]byte(`{not json`), p, t0)
	assert.Error(t, err)

	_, _, err = DecodeLegacyLedger([]byte(`{"balances": {}}`), p, t0)
	assert.ErrorIs(t, err, ErrInvalidUserID)
}
