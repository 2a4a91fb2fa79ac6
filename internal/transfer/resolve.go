package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/voxbridge/internal/directory"
)

// DefaultFuzzyCutoff is the minimum Jaro-Winkler score accepted when the
// secretary config does not override it.
const DefaultFuzzyCutoff = 0.5

// genericTokens short-circuit resolution to the default destination: the
// caller asked for "anyone", not a specific department.
var genericTokens = []string{"qualquer", "alguém", "alguem", "atendente", "disponível", "disponivel", "pessoa"}

// RuleSource provides the transfer rules of a tenant. Both the directory
// store and its caching loader satisfy it.
type RuleSource interface {
	RulesFor(ctx context.Context, tenant, secretaryID string) ([]directory.TransferRule, error)
}

// Resolution is the outcome of destination resolution. Exactly one of Rule
// or Message is meaningful: a nil Rule carries the caller-facing
// explanation (closed hours, no match) instead.
type Resolution struct {
	Rule    *directory.TransferRule
	Message string
	// Score is the fuzzy-match score of the winning rule, 1 for exact and
	// generic matches.
	Score float64
}

// Resolve maps free-form caller text to a transfer rule. cutoff <= 0
// applies [DefaultFuzzyCutoff].
func (m *Manager) Resolve(ctx context.Context, tenant, secretaryID, text string, cutoff float64) (Resolution, error) {
	if cutoff <= 0 {
		cutoff = DefaultFuzzyCutoff
	}
	rules, err := m.rules.RulesFor(ctx, tenant, secretaryID)
	if err != nil {
		return Resolution{}, fmt.Errorf("transfer: load rules: %w", err)
	}
	if len(rules) == 0 {
		return Resolution{Message: fmt.Sprintf(m.messages.NoMatchFormat, "nenhum")}, nil
	}

	normalized := strings.ToLower(strings.TrimSpace(text))

	var rule *directory.TransferRule
	score := 1.0
	if containsGenericToken(normalized) {
		rule = defaultRule(rules)
	} else {
		rule, score = bestMatch(rules, normalized, cutoff)
	}
	if rule == nil {
		return Resolution{Message: fmt.Sprintf(m.messages.NoMatchFormat, departmentList(rules))}, nil
	}

	open, err := scheduleOpen(rule.WorkingHours, time.Now())
	if err != nil {
		m.logger.Warn("broken working-hours expression, treating as open",
			"tenant", tenant, "department", rule.Department, "error", err)
		open = true
	}
	if !open {
		return Resolution{Message: fmt.Sprintf(m.messages.ClosedFormat, rule.Department)}, nil
	}
	return Resolution{Rule: rule, Score: score}, nil
}

func containsGenericToken(text string) bool {
	for _, tok := range genericTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// defaultRule picks the catch-all destination: the enabled rule with the
// largest priority value, preferring queue and ring-group destinations so
// "anyone" lands on a hunt target rather than a single extension.
func defaultRule(rules []directory.TransferRule) *directory.TransferRule {
	var best *directory.TransferRule
	for i := range rules {
		r := &rules[i]
		if best == nil {
			best = r
			continue
		}
		if preferDefault(r, best) {
			best = r
		}
	}
	return best
}

func preferDefault(cand, cur *directory.TransferRule) bool {
	candHunt := cand.DestinationType == "fifo" || cand.DestinationType == "group"
	curHunt := cur.DestinationType == "fifo" || cur.DestinationType == "group"
	if candHunt != curHunt {
		return candHunt
	}
	return cand.Priority > cur.Priority
}

// bestMatch fuzzy-scores the text against every rule's department, synonyms
// and intent keywords, returning the best rule at or above the cutoff.
// Rules arrive priority-ordered, so on a tied score the earlier rule wins.
func bestMatch(rules []directory.TransferRule, text string, cutoff float64) (*directory.TransferRule, float64) {
	var best *directory.TransferRule
	bestScore := 0.0
	for i := range rules {
		r := &rules[i]
		if s := ruleScore(r, text); s > bestScore {
			best, bestScore = r, s
		}
	}
	if bestScore < cutoff {
		return nil, 0
	}
	return best, bestScore
}

func ruleScore(r *directory.TransferRule, text string) float64 {
	candidates := make([]string, 0, 1+len(r.Synonyms)+len(r.IntentKeywords))
	candidates = append(candidates, r.Department)
	candidates = append(candidates, r.Synonyms...)
	candidates = append(candidates, r.IntentKeywords...)

	score := 0.0
	for _, cand := range candidates {
		cand = strings.ToLower(strings.TrimSpace(cand))
		if cand == "" {
			continue
		}
		// A keyword contained verbatim in the utterance is an exact hit;
		// otherwise score the keyword against each utterance word.
		if strings.Contains(text, cand) {
			return 1
		}
		for _, word := range strings.Fields(text) {
			if s := matchr.JaroWinkler(word, cand, false); s > score {
				score = s
			}
		}
	}
	return score
}

func departmentList(rules []directory.TransferRule) string {
	seen := map[string]bool{}
	var names []string
	for _, r := range rules {
		if !seen[r.Department] {
			seen[r.Department] = true
			names = append(names, r.Department)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
