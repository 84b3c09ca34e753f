package karma

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/karmaledger/internal/canon"
)

func TestAssignRealm(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		score float64
		want  string
	}{
		{math.Inf(-1), "Naraka"},
		{-1e9, "Naraka"},
		{-200.5, "Naraka"},
		{-200, "Antarloka"},
		{-0.5, "Antarloka"},
		{0, "Mrityuloka"},
		{499.5, "Mrityuloka"},
		{500, "Swarga"},
		{math.Inf(1), "Swarga"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.AssignRealm(tt.score).Realm, "score %v", tt.score)
	}
}

func TestRealmBandsPartition(t *testing.T) {
	p := DefaultPolicy()
	for score := -1000.0; score <= 1000; score += 0.25 {
		hits := 0
		for i, b := range p.Realms {
			upper := math.Inf(1)
			if i+1 < len(p.Realms) {
				upper = p.Realms[i+1].Min
			}
			if score >= b.Min && score < upper {
				hits++
				assert.Equal(t, b.Realm, p.AssignRealm(score).Realm)
			}
		}
		assert.Equal(t, 1, hits, "score %v", score)
	}
}

func TestCarryoverPositive(t *testing.T) {
	p := DefaultPolicy()
	l := NewLedger("u1", p, t0)
	l.Credit(PunyaTokens, 100, t0)
	l.Credit(SanchitaKarma, 10, t0)
	l.Offenses = []Offense{{At: t0, Level: 1, Value: -2}}

	c := ComputeCarryover(l, p)
	assert.InDelta(t, 31, c.Punya, 1e-9)
	assert.Zero(t, c.Paap)
	assert.Equal(t, map[Path]float64{SanchitaKarma: 10}, c.Retained)

	ApplyCarryover(l, c, p, t0.Add(days(1)))
	assert.InDelta(t, 31, l.Balance(PunyaTokens), 1e-9)
	assert.Equal(t, 10.0, l.Balance(SanchitaKarma))
	assert.Empty(t, l.Offenses)
	assert.Equal(t, 1, l.RebirthCount)
	assert.Equal(t, "volunteer", l.Role)
	assert.Equal(t, t0.Add(days(1)), l.Meta[PunyaTokens].CreatedAt)
}

func TestCarryoverStartingRole(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		dharma    float64
		wantStart string
		wantRole  string
	}{
		{"above the floor lifts the role", 150, "volunteer", "volunteer"},
		{"at the floor stays put", 100, "", "learner"},
		{"negative life", -50, "", "learner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger("u1", p, t0)
			l.Credit(DharmaPoints, tt.dharma, t0)

			c := ComputeCarryover(l, p)
			assert.Equal(t, tt.wantStart, c.StartingRole)

			ApplyCarryover(l, c, p, t0.Add(days(1)))
			assert.Equal(t, tt.wantRole, l.Role)
		})
	}
}

func TestCarryoverStartingRoleNeverLowers(t *testing.T) {
	p := DefaultPolicy()
	l := NewLedger("u1", p, t0)
	l.Credit(PunyaTokens, 1000, t0)

	c := ComputeCarryover(l, p)
	require.Equal(t, "volunteer", c.StartingRole)

	ApplyCarryover(l, c, p, t0)
	// 3000 net carries 300 punya, merit 900
	assert.Equal(t, "guru", l.Role)
}

func TestCarryoverNegative(t *testing.T) {
	p := DefaultPolicy()
	l := NewLedger("u1", p, t0)
	l.Credit(PaapMaha, 40, t0)
	l.Credit(DharmaPoints, 12, t0)

	c := ComputeCarryover(l, p)
	// net = 12 - 200
	assert.InDelta(t, 188*0.3, c.Paap, 1e-9)

	ApplyCarryover(l, c, p, t0)
	for _, sev := range Severities() {
		assert.InDelta(t, 188*0.3/3, l.Balance(sev.PaapPath()), 1e-9)
	}
	assert.Zero(t, l.Balance(DharmaPoints))
	assert.Equal(t, "learner", l.Role)
}

func TestNewRebirthRecord(t *testing.T) {
	p := DefaultPolicy()
	l := NewLedger("u1", p, t0)
	l.Credit(SevaPoints, 100, t0)
	l.Credit(PaapMinor, 2, t0)
	l.Recompute(p)

	rec, err := NewRebirthRecord(l, p, t0)
	require.NoError(t, err)

	assert.Equal(t, "Mrityuloka", rec.Realm)
	assert.InDelta(t, 120, rec.MeritScore, 1e-9)
	assert.InDelta(t, 118, rec.NetKarma, 1e-9)
	assert.Equal(t, "volunteer", rec.Role)
	assert.Equal(t, 0, rec.RebirthCount)
	assert.Equal(t, "pursuing", rec.Demerits.Status)
	assert.Equal(t, 2.0, rec.Demerits.Total)
	assert.Len(t, rec.ID, 64)

	again, err := NewRebirthRecord(l, p, t0)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "content addressed")

	l.Credit(PaapMinor, -2, t0)
	clean, err := NewRebirthRecord(l, p, t0)
	require.NoError(t, err)
	assert.Equal(t, "completed", clean.Demerits.Status)
	assert.NotEqual(t, rec.ID, clean.ID)

	assert.Equal(t, 100.0, l.Balance(SevaPoints), "snapshot leaves the ledger alone")
}

func TestDecodeRebirthRecordRoundTrip(t *testing.T) {
	p := DefaultPolicy()
	l := NewLedger("u1", p, t0)
	l.Credit(PunyaTokens, 12.5, t0)
	l.Credit(SanchitaKarma, 3, t0)
	l.Credit(PaapMedium, 1, t0)

	rec, err := NewRebirthRecord(l, p, t0)
	require.NoError(t, err)

	data, err := canon.Marshal(rec.Document())
	require.NoError(t, err)

	back, err := DecodeRebirthRecord(rec.ID, data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	id, err := canon.ID(canon.DomainRebirth, back.Document())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)
}
