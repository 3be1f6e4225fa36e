package explain

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fraudshield/internal/model"
)

// DefaultTopN is used when a non-positive count is requested.
const DefaultTopN = 3

// Method tells how contributions were obtained.
type Method string

const (
	// MethodPathAttribution credits each prediction's tree paths to features.
	MethodPathAttribution Method = "path_attribution"
	// MethodImportance falls back to the global gain importance vector.
	MethodImportance Method = "importance"
)

// Explanation lists the top reasons behind a score.
type Explanation struct {
	Method  Method   `json:"method"`
	Reasons []string `json:"reasons"`
}

var printer = message.NewPrinter(language.English)

// Explain renders the topN features by absolute contribution for vec.
func Explain(clf *model.Classifier, vec model.Vector, topN int) Explanation {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if clf == nil {
		return Explanation{Method: MethodImportance, Reasons: []string{}}
	}

	method := MethodPathAttribution
	values := vec.Values()
	contribs, err := attribution(clf, values)
	if err != nil {
		method = MethodImportance
		contribs = importance(clf)
	}

	order := make([]int, model.NumFeatures)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(contribs[order[a]]) > math.Abs(contribs[order[b]])
	})

	reasons := make([]string, 0, topN)
	for _, idx := range order[:min(topN, len(order))] {
		reasons = append(reasons, Reason(idx, values[idx], contribs[idx]))
	}
	return Explanation{Method: method, Reasons: reasons}
}

// Reason renders one feature contribution.
func Reason(idx int, raw, contribution float64) string {
	name := model.FeatureNames[idx]
	label, ok := model.FeatureLabels[name]
	if !ok {
		label = name
	}
	direction := "decreased"
	if contribution > 0 {
		direction = "increased"
	}
	pct := math.Abs(model.Round(contribution*100, 1))
	return fmt.Sprintf("%s (%s) %s risk by %s%%", label, FormatValue(name, raw), direction,
		strconv.FormatFloat(pct, 'f', 1, 64))
}

// FormatValue renders a raw feature value for display.
func FormatValue(name string, raw float64) string {
	switch name {
	case "amount":
		return printer.Sprintf("$%.2f", raw)
	case "impossible_travel":
		if raw != 0 {
			return "Yes"
		}
		return "No"
	case "hour":
		return fmt.Sprintf("%d:00", int(raw))
	default:
		return strconv.FormatFloat(raw, 'f', -1, 64)
	}
}

func attribution(clf *model.Classifier, x []float64) (contribs []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			contribs, err = nil, fmt.Errorf("explain: attribution panicked: %v", r)
		}
	}()
	contribs, _, err = clf.Contributions(x)
	return contribs, err
}

func importance(clf *model.Classifier) []float64 {
	out := make([]float64, model.NumFeatures)
	copy(out, clf.Importances)
	return out
}
