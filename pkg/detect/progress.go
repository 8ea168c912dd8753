package detect

import "strings"

// milestone maps a lowercase phrase to the percentage it implies. First
// match from the bottom of the buffer wins, so later phases override
// earlier ones.
type milestone struct {
	phrase  string
	percent int
}

// milestones are ordered from latest phase to earliest. The agent's
// wording varies between runs, so these are deliberately loose
// substrings; the estimate is advisory and never drives transitions.
var milestones = []milestone{
	{"finaliz", 90},
	{"writing", 70},
	{"generating", 60},
	{"creating", 60},
	{"analyzing", 40},
	{"reading", 40},
	{"thinking", 40},
}

// dispatchedPercent is reported once the instruction has landed but no
// milestone phrase is visible yet.
const dispatchedPercent = 10

// EstimatePercent scans a buffer snapshot for milestone phrases and
// returns a coarse progress percentage. When a correlation token is
// given, only output after its echo is considered. The second return is
// false if the token was expected and never seen, meaning no output can
// be attributed to this job yet.
func EstimatePercent(buffer, token string) (int, bool) {
	scope := buffer
	if token != "" {
		idx := strings.Index(buffer, token)
		if idx < 0 {
			return 0, false
		}
		scope = buffer[idx+len(token):]
	}
	if MarkerLine(scope) {
		return 100, true
	}
	scope = strings.ToLower(scope)

	best := dispatchedPercent
	for _, m := range milestones {
		if strings.Contains(scope, m.phrase) {
			if m.percent > best {
				best = m.percent
			}
		}
	}
	return best, true
}
