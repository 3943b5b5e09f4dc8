package complexity

import (
	"regexp"
	"strings"
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

const fastPathMaxChars = 5000

type fastPathTemplate struct {
	name       string
	score      float64
	confidence float64
	match      func(in *input) bool
}

var (
	greetingTemplate       = regexp.MustCompile(`(?i)^(hi|hello|hey|hiya|howdy|yo|greetings|good (morning|afternoon|evening)|how are you|what's up)( there)?[ ,!.?]*$`)
	acknowledgmentTemplate = regexp.MustCompile(`(?i)^(thanks|thank you|thx|ty|ok|okay|cool|great|nice|got it|sounds good|perfect|awesome|sure|yes|no|yep|nope)( so much| a lot| you)?[ ,!.]*$`)
	arithmeticTemplate     = regexp.MustCompile(`^(what is |what's |calculate |compute )?-?\d+(\.\d+)?(\s*[-+*/x×÷^%]\s*-?\d+(\.\d+)?)+\s*(=\s*)?\??$`)
)

// fastPathTemplates are checked in order; the first match wins.
var fastPathTemplates = []fastPathTemplate{
	{"very_long_text", 0.90, 0.85, func(in *input) bool { return in.length > fastPathMaxChars }},
	{"greeting", 0.05, 0.98, func(in *input) bool { return greetingTemplate.MatchString(in.lower) }},
	{"acknowledgment", 0.05, 0.98, func(in *input) bool { return acknowledgmentTemplate.MatchString(in.lower) }},
	{"arithmetic", 0.05, 0.99, func(in *input) bool { return arithmeticTemplate.MatchString(in.lower) }},
	{"single_word", 0.10, 0.95, func(in *input) bool {
		return in.text != "" && !strings.ContainsAny(in.text, " \t\n")
	}},
}

// FastPath returns a fixed verdict when text matches a trivial template.
func FastPath(text string) (*models.ComplexityResult, bool) {
	return fastPath(newInput(text))
}

func fastPath(in *input) (*models.ComplexityResult, bool) {
	start := time.Now()
	for _, tpl := range fastPathTemplates {
		if !tpl.match(in) {
			continue
		}
		return &models.ComplexityResult{
			Score:        tpl.score,
			Level:        models.LevelFromScore(tpl.score),
			Confidence:   tpl.confidence,
			Reasoning:    "fast path: " + tpl.name,
			AnalysisPath: models.PathFastPath,
			ContentType:  models.ContentGeneral,
			Signals:      []string{"fast_path:" + tpl.name},
			AnalysisTime: time.Since(start),
		}, true
	}
	return nil, false
}
