package policy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/karmaledger/internal/karma"
)

func loadErrCode(t *testing.T, err error) string {
	t.Helper()
	var le *LoadError
	require.True(t, errors.As(err, &le), "expected LoadError, got %T: %v", err, err)
	return le.Code
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, karma.DefaultPolicy(), p)
}

func TestLoadDirectory(t *testing.T) {
	p, err := Load("testdata/custom")
	require.NoError(t, err)

	assert.Equal(t, []string{"learner", "mentor", "elder"}, p.RoleNames())
	assert.Equal(t, karma.Reward{Path: karma.SevaPoints, Value: 9}, p.Rewards[karma.SolvingDoubts])
	assert.Equal(t, karma.Reward{Path: karma.SevaPoints, Value: 10}, p.Rewards[karma.HelpingPeers], "untouched keys keep defaults")

	assert.Equal(t, 14*24*time.Hour, p.PenaltyWindow)
	require.Len(t, p.Penalties, 2)
	assert.Equal(t, "strike", p.PenaltyFor(2).Name)
	assert.Equal(t, "repeat_offender", p.PenaltyFor(3).Name)

	assert.Equal(t, 90*24*time.Hour, p.Categories[karma.PaapMinor].Expiry)
	assert.Equal(t, 1.0, p.Categories[karma.PaapMinor].Multiplier, "unset attributes keep defaults")

	sev, ok := p.Classify(karma.FalseSpeech)
	assert.True(t, ok)
	assert.Equal(t, karma.SeverityMedium, sev)
	assert.Equal(t, 6.0, p.Reductions[karma.SeverityMedium])
	assert.Equal(t, 2.0, p.Reductions[karma.SeverityMinor])

	assert.Equal(t, 0.25, p.LearningRate)
	assert.Equal(t, 0.5, p.Discount)

	require.Len(t, p.Realms, 4)
	assert.True(t, math.IsInf(p.Realms[0].Min, -1))
	assert.Equal(t, "Above", p.AssignRealm(0).Realm)
	assert.Equal(t, "Pit", p.AssignRealm(-51).Realm)

	assert.Equal(t, map[karma.Path]float64{karma.SanchitaKarma: 0.5, karma.PrarabdhaKarma: 1}, p.Carryover.Retain)
	assert.Equal(t, []karma.StartingRole{{Role: "mentor", MinNetKarma: 60}}, p.Carryover.StartingRoles)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"syntax", `roles: [`, ErrCodeBuildFailed},
		{"wrong shape", `roles: "learner"`, ErrCodeDecode},
		{"unknown action", `rewards: levitate: {path: "DharmaPoints", value: 1}`, ErrCodeUnknownRef},
		{"unknown severity", `demerits: theft: "cosmic"`, ErrCodeUnknownRef},
		{"unknown remediation", `atonement: requirements: minor: {Fasting: 3}`, ErrCodeUnknownRef},
		{"unknown column", `value_table: columns: ["completing_lessons", "nap"]`, ErrCodeUnknownRef},
		{"invalid learning rate", `value_table: learning_rate: 2`, ErrCodeInvalid},
		{"reward path unknown", `rewards: helping_peers: {path: "Gold", value: 1}`, ErrCodeInvalid},
		{"unsorted roles", `roles: [{name: "a", min_merit: 10}, {name: "b", min_merit: 5}]`, ErrCodeInvalid},
		{"two realms", `realms: [{name: "Low", description: ""}, {name: "High", min: 0, description: ""}]`, ErrCodeInvalid},
		{"open upper realm", `realms: [{name: "A", description: ""}, {name: "B", min: 0, description: ""}, {name: "C", description: ""}, {name: "D", min: 9, description: ""}]`, ErrCodeInvalid},
		{"unknown starting role", `carryover: starting_roles: [{role: "emperor", min_net_karma: 1}]`, ErrCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			assert.Equal(t, tt.code, loadErrCode(t, err))
		})
	}
}

func TestLoadDirectoryErrors(t *testing.T) {
	_, err := Load("testdata/does-not-exist")
	assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))

	_, err = Load("testdata/nocue")
	assert.Equal(t, ErrCodeNoFiles, loadErrCode(t, err))

	_, err = Load("testdata/custom/policy.cue")
	assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{EnvLearningRate: "0.3", EnvDiscount: ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	p := karma.DefaultPolicy()
	require.NoError(t, ApplyEnv(&p, lookup))
	assert.Equal(t, 0.3, p.LearningRate)
	assert.Equal(t, 0.9, p.Discount, "empty value is ignored")

	env[EnvDiscount] = "lots"
	err := ApplyEnv(&p, lookup)
	assert.Equal(t, ErrCodeEnv, loadErrCode(t, err))

	env[EnvDiscount] = "1.5"
	err = ApplyEnv(&p, lookup)
	assert.Equal(t, ErrCodeInvalid, loadErrCode(t, err))
}

func TestFindCUEFiles(t *testing.T) {
	files, err := FindCUEFiles("testdata")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
