package karma

import "fmt"

// Action is the closed catalog of actions the engine understands.
type Action int

const (
	ActionUnknown Action = iota
	CompletingLessons
	HelpingPeers
	SolvingDoubts
	SelflessService
	Cheat
	DisrespectGuru
	BreakPromise
	HarmOthers
	FalseSpeech
	Theft
	Violence
)

var actionNames = [...]string{
	ActionUnknown:     "unknown",
	CompletingLessons: "completing_lessons",
	HelpingPeers:      "helping_peers",
	SolvingDoubts:     "solving_doubts",
	SelflessService:   "selfless_service",
	Cheat:             "cheat",
	DisrespectGuru:    "disrespect_guru",
	BreakPromise:      "break_promise",
	HarmOthers:        "harm_others",
	FalseSpeech:       "false_speech",
	Theft:             "theft",
	Violence:          "violence",
}

// Intent describes why an action is taken.
type Intent string

const (
	IntentLearn        Intent = "learn"
	IntentAssist       Intent = "assist"
	IntentExtraService Intent = "extra_service"
	IntentMalicious    Intent = "malicious_or_greedy"
	IntentHarmful      Intent = "harmful"
)

// AllActions returns every catalog action in declaration order.
func AllActions() []Action {
	return []Action{
		CompletingLessons, HelpingPeers, SolvingDoubts, SelflessService, Cheat,
		DisrespectGuru, BreakPromise, HarmOthers, FalseSpeech, Theft, Violence,
	}
}

// String returns the wire name of the action.
func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// Valid reports whether a is a member of the catalog.
func (a Action) Valid() bool {
	return a > ActionUnknown && int(a) < len(actionNames)
}

// Intent maps every catalog action to its intent.
func (a Action) Intent() Intent {
	switch a {
	case CompletingLessons:
		return IntentLearn
	case HelpingPeers, SolvingDoubts:
		return IntentAssist
	case SelflessService:
		return IntentExtraService
	case Cheat:
		return IntentMalicious
	case DisrespectGuru, BreakPromise, HarmOthers, FalseSpeech, Theft, Violence:
		return IntentHarmful
	default:
		return ""
	}
}

// ParseAction resolves a wire name to a catalog action.
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if i == int(ActionUnknown) {
			continue
		}
		if n == name {
			return Action(i), nil
		}
	}
	return ActionUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", a)
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
