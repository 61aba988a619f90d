package alert

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/types"
)

// Recorder persists a notification unless it already fired.
type Recorder interface {
	InsertNotification(ctx context.Context, n types.Notification) (bool, error)
}

// Evaluator matches processed items against the enabled alert conditions.
//
// Within a condition, entity filters match when any listed entity type has
// a value matching any of its glob patterns, and keyword filters match when
// any keyword appears as a whole word in the title or content. A condition
// with both kinds of filter needs both to match.
type Evaluator struct {
	rules []rule
	rec   Recorder
	log   *logging.Logger
	now   func() time.Time
}

type rule struct {
	cond     types.AlertCondition
	entities map[types.EntityType][]pattern
	keywords []pattern
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

// NewEvaluator validates conds and returns an Evaluator recording fired
// alerts through rec.
func NewEvaluator(conds []types.AlertCondition, rec Recorder, log *logging.Logger) (*Evaluator, error) {
	if log == nil {
		log = logging.Nop()
	}
	e := &Evaluator{rec: rec, log: log.With("component", "alert"), now: time.Now}
	for _, c := range conds {
		if !c.IsEnabled() {
			continue
		}
		r := rule{cond: c, entities: map[types.EntityType][]pattern{}}
		for t, globs := range c.EntityFilters {
			for _, g := range globs {
				re, err := compileGlob(g)
				if err != nil {
					return nil, fmt.Errorf("alert %s: pattern %q: %w", c.Name, g, err)
				}
				r.entities[t] = append(r.entities[t], pattern{raw: g, re: re})
			}
		}
		for _, kw := range c.KeywordFilters {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			r.keywords = append(r.keywords, pattern{raw: kw, re: compileKeyword(kw)})
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// compileGlob turns a case-insensitive glob (* and ?) into an anchored regexp.
func compileGlob(g string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range g {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func compileKeyword(kw string) *regexp.Regexp {
	expr := regexp.QuoteMeta(kw)
	runes := []rune(kw)
	if isWord(runes[0]) {
		expr = `\b` + expr
	}
	if isWord(runes[len(runes)-1]) {
		expr += `\b`
	}
	return regexp.MustCompile("(?i)" + expr)
}

func isWord(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

// Match returns one notification per matching condition without persisting.
// Output is ordered by condition name.
func (e *Evaluator) Match(item types.CollectedItem, entities []types.Entity) []types.Notification {
	text := item.Title + "\n" + item.Content
	var out []types.Notification
	for _, r := range e.rules {
		var matched, evidence []string
		if len(r.entities) > 0 {
			m, ev := r.matchEntities(entities)
			if len(m) == 0 {
				continue
			}
			matched, evidence = append(matched, m...), append(evidence, ev...)
		}
		if len(r.keywords) > 0 {
			m, ev := r.matchKeywords(text)
			if len(m) == 0 {
				continue
			}
			matched, evidence = append(matched, m...), append(evidence, ev...)
		}
		if len(matched) == 0 {
			continue
		}
		out = append(out, types.Notification{
			AlertName:        r.cond.Name,
			Subject:          r.cond.Subject,
			Severity:         r.cond.Severity,
			MatchedItemID:    item.ID,
			MatchedCondition: strings.Join(matched, "; "),
			Evidence:         truncate(strings.Join(evidence, " | "), 500),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AlertName < out[j].AlertName })
	return out
}

func (r rule) matchEntities(entities []types.Entity) (matched, evidence []string) {
	seen := map[string]bool{}
	for _, ent := range entities {
		for _, p := range r.entities[ent.Type] {
			if !p.re.MatchString(ent.Value) {
				continue
			}
			m := fmt.Sprintf("%s=%s", ent.Type, p.raw)
			if !seen[m] {
				seen[m] = true
				matched = append(matched, m)
			}
			ev := fmt.Sprintf("%s %s", ent.Type, ent.Value)
			if ent.Context != "" {
				ev += ": " + ent.Context
			}
			evidence = append(evidence, ev)
			break
		}
	}
	return matched, evidence
}

func (r rule) matchKeywords(text string) (matched, evidence []string) {
	for _, p := range r.keywords {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		matched = append(matched, "keyword="+p.raw)
		evidence = append(evidence, snippet(text, loc[0], loc[1], 60))
	}
	return matched, evidence
}

// Evaluate matches item and records each notification; only notifications
// that had not fired before for the same item are returned.
func (e *Evaluator) Evaluate(ctx context.Context, item types.CollectedItem, entities []types.Entity) ([]types.Notification, error) {
	var fired []types.Notification
	for _, n := range e.Match(item, entities) {
		n.ID = ulid.Make().String()
		n.Timestamp = e.now().UTC()
		fresh, err := e.rec.InsertNotification(ctx, n)
		if err != nil {
			return fired, fmt.Errorf("record alert %s for %s: %w", n.AlertName, item.ID, err)
		}
		if !fresh {
			e.log.Debugw("alert already fired", "alert", n.AlertName, "item", item.ID)
			continue
		}
		e.log.Infow("alert fired", "alert", n.AlertName, "severity", n.Severity, "item", item.ID, "condition", n.MatchedCondition)
		fired = append(fired, n)
	}
	return fired, nil
}

// Conditions returns the enabled condition names.
func (e *Evaluator) Conditions() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.cond.Name)
	}
	return out
}

func snippet(s string, start, end, radius int) string {
	from := start - radius
	if from < 0 {
		from = 0
	}
	to := end + radius
	if to > len(s) {
		to = len(s)
	}
	for from > 0 && !utf8Start(s[from]) {
		from--
	}
	for to < len(s) && !utf8Start(s[to]) {
		to++
	}
	return strings.Join(strings.Fields(s[from:to]), " ")
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}
