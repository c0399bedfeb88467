package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/verihive/backend/internal/core"
)

// strategy is the per-task-type function table: schema validation,
// per-submission accuracy estimation, and result aggregation.
// Aggregators receive optional per-submission weights aligned by index;
// nil weights mean every submission counts as 1.
type strategy struct {
	validate  func(result map[string]interface{}) error
	accuracy  func(i int, subs []core.WorkerSubmission) float64
	aggregate func(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error)
}

// newRegistry builds the task type → strategy table. Every supported
// task type appears here; Process rejects anything else.
func newRegistry() map[core.TaskType]strategy {
	labelStrategy := strategy{
		validate:  validateLabel,
		accuracy:  labelAccuracy,
		aggregate: aggregateLabel,
	}
	return map[core.TaskType]strategy{
		core.TaskTextClassification: labelStrategy,
		core.TaskImageClassification: {
			validate:  validateImage,
			accuracy:  labelAccuracy,
			aggregate: aggregateImage,
		},
		core.TaskSentimentAnalysis: {
			validate:  validateSentiment,
			accuracy:  sentimentAccuracy,
			aggregate: aggregateSentiment,
		},
		core.TaskEntityRecognition: {
			validate:  validateEntities,
			accuracy:  entityAccuracy,
			aggregate: aggregateEntities,
		},
		core.TaskContentModeration: {
			validate:  validateModeration,
			accuracy:  moderationAccuracy,
			aggregate: aggregateModeration,
		},
		// Free-label review types share the plurality strategy
		core.TaskTranscriptionReview: labelStrategy,
		core.TaskTranslationQuality:  labelStrategy,
		core.TaskDataLabeling:        labelStrategy,
		core.TaskDocumentReview:      labelStrategy,
		core.TaskSpamDetection:       labelStrategy,
	}
}

func weightAt(weights []float64, i int) float64 {
	if weights == nil {
		return 1
	}
	return weights[i]
}

func totalWeight(weights []float64, n int) float64 {
	if weights == nil {
		return float64(n)
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	return sum
}

// ============================================================================
// FIELD HELPERS
// ============================================================================

func fieldString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func fieldNumber(m map[string]interface{}, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func fieldBool(m map[string]interface{}, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

// ============================================================================
// LABEL PLURALITY (text classification and review types)
// ============================================================================

func validateLabel(result map[string]interface{}) error {
	if label, ok := fieldString(result, "label"); !ok || label == "" {
		return fmt.Errorf("label must be a non-empty string")
	}
	return nil
}

// labelAccuracy scores a submission by the fraction of submissions that
// agree with its label, itself included.
func labelAccuracy(i int, subs []core.WorkerSubmission) float64 {
	label, _ := fieldString(subs[i].Result, "label")
	var agree int
	for j := range subs {
		if other, _ := fieldString(subs[j].Result, "label"); other == label {
			agree++
		}
	}
	return float64(agree) / float64(len(subs))
}

// pluralityLabel tallies label mass and returns the winner. A mass tie
// goes to the label whose earliest endorsing submission came first.
func pluralityLabel(subs []core.WorkerSubmission, weights []float64) string {
	type tally struct {
		mass     float64
		earliest time.Time
	}
	tallies := make(map[string]*tally)
	for i, sub := range subs {
		label, _ := fieldString(sub.Result, "label")
		t, ok := tallies[label]
		if !ok {
			t = &tally{earliest: sub.CompletedAt}
			tallies[label] = t
		}
		t.mass += weightAt(weights, i)
		if sub.CompletedAt.Before(t.earliest) {
			t.earliest = sub.CompletedAt
		}
	}

	var winner string
	var won *tally
	for label, t := range tallies {
		switch {
		case won == nil,
			t.mass > won.mass,
			t.mass == won.mass && t.earliest.Before(won.earliest),
			t.mass == won.mass && t.earliest.Equal(won.earliest) && label < winner:
			winner, won = label, t
		}
	}
	return winner
}

func aggregateLabel(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error) {
	return map[string]interface{}{"label": pluralityLabel(subs, weights)}, nil
}

// ============================================================================
// IMAGE CLASSIFICATION
// ============================================================================

func validateImage(result map[string]interface{}) error {
	if err := validateLabel(result); err != nil {
		return err
	}
	conf, ok := fieldNumber(result, "confidence")
	if !ok || conf < 0 || conf > 1 {
		return fmt.Errorf("confidence must be a number in [0,1]")
	}
	return nil
}

func aggregateImage(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error) {
	var confSum float64
	for i, sub := range subs {
		conf, _ := fieldNumber(sub.Result, "confidence")
		confSum += conf * weightAt(weights, i)
	}
	total := totalWeight(weights, len(subs))
	if total == 0 {
		total = 1
	}
	return map[string]interface{}{
		"label":      pluralityLabel(subs, weights),
		"confidence": confSum / total,
	}, nil
}

// ============================================================================
// SENTIMENT
// ============================================================================

func validateSentiment(result map[string]interface{}) error {
	score, ok := fieldNumber(result, "score")
	if !ok || score < -1 || score > 1 {
		return fmt.Errorf("score must be a number in [-1,1]")
	}
	return nil
}

// sentimentAccuracy measures distance from the unweighted mean; two
// full units of score space separate the extremes.
func sentimentAccuracy(i int, subs []core.WorkerSubmission) float64 {
	mean := meanSentiment(subs, nil)
	score, _ := fieldNumber(subs[i].Result, "score")
	return 1 - math.Abs(score-mean)/2
}

func meanSentiment(subs []core.WorkerSubmission, weights []float64) float64 {
	var sum float64
	for i, sub := range subs {
		score, _ := fieldNumber(sub.Result, "score")
		sum += score * weightAt(weights, i)
	}
	total := totalWeight(weights, len(subs))
	if total == 0 {
		return 0
	}
	return sum / total
}

func aggregateSentiment(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error) {
	mean := meanSentiment(subs, weights)
	sentiment := "neutral"
	switch {
	case mean > 0:
		sentiment = "positive"
	case mean < 0:
		sentiment = "negative"
	}
	return map[string]interface{}{
		"score":     mean,
		"sentiment": sentiment,
		"magnitude": math.Abs(mean),
	}, nil
}

// ============================================================================
// ENTITY RECOGNITION
// ============================================================================

type entitySpan struct {
	start float64
	end   float64
	typ   string
}

func decodeEntities(result map[string]interface{}) ([]entitySpan, error) {
	raw, ok := result["entities"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("entities must be an array")
	}
	spans := make([]entitySpan, 0, len(raw))
	for idx, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("entity %d must be an object", idx)
		}
		start, okS := fieldNumber(m, "start")
		end, okE := fieldNumber(m, "end")
		typ, okT := fieldString(m, "type")
		if !okS || !okE || !okT || typ == "" || end <= start {
			return nil, fmt.Errorf("entity %d needs start < end and a type", idx)
		}
		spans = append(spans, entitySpan{start: start, end: end, typ: typ})
	}
	return spans, nil
}

func validateEntities(result map[string]interface{}) error {
	_, err := decodeEntities(result)
	return err
}

func (s entitySpan) overlaps(o entitySpan) bool {
	return s.typ == o.typ && s.start < o.end && o.start < s.end
}

// entityAccuracy is the mean pairwise overlap agreement with the other
// submissions. Two empty annotation sets agree perfectly.
func entityAccuracy(i int, subs []core.WorkerSubmission) float64 {
	if len(subs) == 1 {
		return 1
	}
	mine, _ := decodeEntities(subs[i].Result)
	var sum float64
	for j := range subs {
		if j == i {
			continue
		}
		theirs, _ := decodeEntities(subs[j].Result)
		sum += spanAgreement(mine, theirs)
	}
	return sum / float64(len(subs)-1)
}

// spanAgreement counts a's spans that overlap a same-type span in b,
// normalized by the larger annotation set.
func spanAgreement(a, b []entitySpan) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var matched int
	for _, sa := range a {
		for _, sb := range b {
			if sa.overlaps(sb) {
				matched++
				break
			}
		}
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(matched) / float64(larger)
}

func aggregateEntities(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error) {
	type cluster struct {
		span      entitySpan
		endorsers map[int]struct{}
	}
	var clusters []*cluster

	for i, sub := range subs {
		spans, err := decodeEntities(sub.Result)
		if err != nil {
			return nil, err
		}
		for _, span := range spans {
			var home *cluster
			for _, c := range clusters {
				if c.span.overlaps(span) {
					home = c
					break
				}
			}
			if home == nil {
				home = &cluster{span: span, endorsers: make(map[int]struct{})}
				clusters = append(clusters, home)
			} else {
				// Merge to the union of the overlapping ranges
				if span.start < home.span.start {
					home.span.start = span.start
				}
				if span.end > home.span.end {
					home.span.end = span.end
				}
			}
			home.endorsers[i] = struct{}{}
		}
	}

	total := totalWeight(weights, len(subs))
	kept := make([]map[string]interface{}, 0, len(clusters))
	for _, c := range clusters {
		var mass float64
		for i := range c.endorsers {
			mass += weightAt(weights, i)
		}
		if mass >= 0.5*total {
			kept = append(kept, map[string]interface{}{
				"start":   c.span.start,
				"end":     c.span.end,
				"type":    c.span.typ,
				"support": len(c.endorsers),
			})
		}
	}
	sort.Slice(kept, func(a, b int) bool {
		sa, _ := kept[a]["start"].(float64)
		sb, _ := kept[b]["start"].(float64)
		if sa != sb {
			return sa < sb
		}
		ta, _ := kept[a]["type"].(string)
		tb, _ := kept[b]["type"].(string)
		return ta < tb
	})

	entities := make([]interface{}, len(kept))
	for i, e := range kept {
		entities[i] = e
	}
	return map[string]interface{}{"entities": entities}, nil
}

// ============================================================================
// CONTENT MODERATION
// ============================================================================

func validateModeration(result map[string]interface{}) error {
	if _, ok := fieldBool(result, "is_violation"); !ok {
		return fmt.Errorf("is_violation must be a boolean")
	}
	conf, ok := fieldNumber(result, "confidence")
	if !ok || conf < 0 || conf > 1 {
		return fmt.Errorf("confidence must be a number in [0,1]")
	}
	if raw, present := result["categories"]; present {
		list, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("categories must be an array of strings")
		}
		for idx, item := range list {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("category %d must be a string", idx)
			}
		}
	}
	return nil
}

func moderationAccuracy(i int, subs []core.WorkerSubmission) float64 {
	verdict, _ := fieldBool(subs[i].Result, "is_violation")
	var agree int
	for j := range subs {
		if other, _ := fieldBool(subs[j].Result, "is_violation"); other == verdict {
			agree++
		}
	}
	return float64(agree) / float64(len(subs))
}

func aggregateModeration(subs []core.WorkerSubmission, weights []float64) (map[string]interface{}, error) {
	var violationMass, cleanMass float64
	for i, sub := range subs {
		verdict, _ := fieldBool(sub.Result, "is_violation")
		if verdict {
			violationMass += weightAt(weights, i)
		} else {
			cleanMass += weightAt(weights, i)
		}
	}
	// Tie flags the content; a review queue beats a silent pass
	isViolation := violationMass >= cleanMass

	var majorityMass, confSum float64
	categoryMass := make(map[string]float64)
	for i, sub := range subs {
		verdict, _ := fieldBool(sub.Result, "is_violation")
		if verdict != isViolation {
			continue
		}
		w := weightAt(weights, i)
		majorityMass += w
		conf, _ := fieldNumber(sub.Result, "confidence")
		confSum += conf * w
		if raw, ok := sub.Result["categories"].([]interface{}); ok {
			for _, item := range raw {
				if cat, ok := item.(string); ok {
					categoryMass[cat] += w
				}
			}
		}
	}

	var categories []string
	for cat, mass := range categoryMass {
		if mass > 0.5*majorityMass {
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)

	confidence := 0.0
	if majorityMass > 0 {
		confidence = confSum / majorityMass
	}

	cats := make([]interface{}, len(categories))
	for i, c := range categories {
		cats[i] = c
	}
	return map[string]interface{}{
		"is_violation": isViolation,
		"categories":   cats,
		"confidence":   confidence,
	}, nil
}
