package complexity

import (
	"regexp"

	"github.com/irfndi/optiroute/internal/models"
)

type patternFamily struct {
	name     string
	patterns []*regexp.Regexp
}

func family(name string, exprs ...string) patternFamily {
	f := patternFamily{name: name, patterns: make([]*regexp.Regexp, len(exprs))}
	for i, expr := range exprs {
		f.patterns[i] = regexp.MustCompile(`(?i)` + expr)
	}
	return f
}

// count returns the number of patterns in the family that match text.
func (f patternFamily) count(text string) int {
	n := 0
	for _, p := range f.patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

// familyMatch records which families matched and how many patterns fired in total.
type familyMatch struct {
	families []string
	patterns int
}

func (m familyMatch) distinct() int { return len(m.families) }

func matchFamilies(text string, families []patternFamily) familyMatch {
	var m familyMatch
	for _, f := range families {
		if n := f.count(text); n > 0 {
			m.families = append(m.families, f.name)
			m.patterns += n
		}
	}
	return m
}

var simpleFamilies = []patternFamily{
	family("greeting",
		`^(hi|hello|hey|hiya|howdy|yo|greetings|good (morning|afternoon|evening))\b`,
		`^(how are you|what's up|whats up|sup)\b`),
	family("single_word",
		`^\S+[.!?]?$`),
	family("basic_factual",
		`^(what|who|where|when) (is|are|was|were) (a |an |the )?\w+( \w+)?\??$`,
		`^what time is it\??$`,
		`^(define|meaning of) \w+`,
		`\bcapital of \w+\??$`),
	family("simple_request",
		`^(please )?(tell me|give me|show me|list) (a |an |the )?\w+( \w+)?[.!?]?$`,
		`^(translate|spell|convert) \S+`,
		`\b(yes or no)\b`),
	family("acknowledgment",
		`^(thanks|thank you|thx|ty|ok|okay|cool|great|nice|got it|sounds good|perfect|awesome|sure|yes|no|yep|nope)\b`,
		`\b(thanks|thank you)( so much| a lot)?[.!]*$`),
}

var complexFamilies = []patternFamily{
	family("analysis_task",
		`\banaly[sz](e|is|ing)\b`,
		`\bevaluat(e|ion|ing)\b`,
		`\bassess(ment)?\b`,
		`\bcompar(e|ison|ing)\b`,
		`\b(root cause|in[- ]depth|thorough(ly)?)\b`),
	family("code_generation",
		`\b(write|implement|build|create|generate) (a |an |the )?(\w+ )?(function|class|script|program|api|service|module|algorithm)\b`,
		`\brefactor\b`,
		`\b(unit tests?|test suite)\b`),
	family("document_creation",
		`\b(write|draft|compose|prepare) (a |an |the )?(\w+ )?(report|proposal|essay|article|whitepaper|specification|document|plan)\b`,
		`\b(executive summary|technical documentation)\b`),
	family("complex_reasoning",
		`\b(trade-?offs?|pros and cons)\b`,
		`\b(implications?|consequences?)\b`,
		`\b(why does|why would|how would|what if)\b`,
		`\b(reason(ing)? (about|through)|step[- ]by[- ]step)\b`),
	family("multi_step_planning",
		`\b(roadmap|strategy|milestones?|phases?)\b`,
		`\b(first|then|after that|finally)\b.*\b(then|next|finally)\b`,
		`\b(architecture|design a system|migration plan)\b`),
}

var escalationFamilies = []patternFamily{
	family("nuanced_language",
		`\b(nuanced?|subtle(ty)?|ambigu(ous|ity)|it depends)\b`),
	family("multi_faceted",
		`\b(multiple (perspectives|factors|dimensions|stakeholders)|holistic|various aspects)\b`),
	family("expert_knowledge",
		`\b(expert|specialist|advanced|state[- ]of[- ]the[- ]art|peer[- ]reviewed)\b`,
		`\b(legal|medical|regulatory|compliance|clinical)\b`),
	family("context_dependent",
		`\b(in this context|given (the|our) (situation|constraints)|depending on)\b`),
	family("creative_subjective",
		`\b(creative|original|opinion|subjective|taste|tone of voice)\b`),
	family("complex_logic",
		`\b(paradox|proof|prove|theorem|formal(ly)? verif\w*|edge cases?)\b`,
		`\b(race condition|deadlock|concurren(t|cy))\b`),
	family("meta_analysis",
		`\b(meta-?analysis|critique|critically|second[- ]order|reflect on)\b`),
}

type contentFamily struct {
	contentType models.ContentType
	family      patternFamily
}

// contentFamilies is declared in ContentTypePriority order so ties resolve to
// the earlier entry.
var contentFamilies = []contentFamily{
	{models.ContentCode, family("code",
		`\b(code|function|method|class|variable|compile[rd]?|bug|stack ?trace|exception|syntax)\b`,
		`\b(python|golang|go code|javascript|typescript|java|rust|sql|regex)\b`,
		`c\+\+`,
		`\b(debug|refactor|unit test|api endpoint|race condition)\b`,
		"```")},
	{models.ContentDataAnalysis, family("data_analysis",
		`\b(dataset|data set|csv|spreadsheet|dataframe)\b`,
		`\b(statistic(s|al)?|regression|correlation|variance|mean|median)\b`,
		`\b(chart|visuali[sz]e|trend|metrics?|kpis?)\b`)},
	{models.ContentBusiness, family("business",
		`\b(revenue|profit|margin|pricing|budget|forecast|roi)\b`,
		`\b(market(ing)?|customers?|sales|stakeholders?|investors?)\b`,
		`\b(business plan|go-to-market|strategy)\b`)},
	{models.ContentCreative, family("creative",
		`\b(story|poem|lyrics|novel|fiction|narrative)\b`,
		`\b(creative|imaginative|brainstorm|slogan|tagline)\b`)},
	{models.ContentTechnical, family("technical",
		`\b(architecture|infrastructure|kubernetes|docker|database|network(ing)?|protocol)\b`,
		`\b(latency|throughput|scalab(le|ility)|deployment|configuration)\b`,
		`\b(algorithm|system design|distributed)\b`)},
}

var (
	synthesisPattern  = regexp.MustCompile(`(?i)\b(synthesi[sz]e|summari[sz]e|compare|contrast|combine|across (these|the|all)|reconcile|consolidate)\b`)
	referencePattern  = regexp.MustCompile(`(?i)\b(earlier|previous(ly)?|before|above|you (said|mentioned)|we discussed|as mentioned|that (one|point)|go back)\b`)
	importancePattern = regexp.MustCompile(`(?i)\b(important|critical|crucial|high[- ]stakes|mission[- ]critical)\b`)
)

// contentTypeProfile is the base complexity and confidence for a detected content type.
type contentTypeProfile struct {
	score      float64
	confidence float64
}

var contentTypeProfiles = map[models.ContentType]contentTypeProfile{
	models.ContentCode:         {0.70, 0.87},
	models.ContentDataAnalysis: {0.65, 0.86},
	models.ContentTechnical:    {0.60, 0.82},
	models.ContentBusiness:     {0.50, 0.80},
	models.ContentCreative:     {0.45, 0.78},
	models.ContentGeneral:      {0.30, 0.60},
}

// classifyContent picks the content type with the most keyword hits.
func classifyContent(text string) (models.ContentType, int) {
	best, bestHits := models.ContentGeneral, 0
	for _, cf := range contentFamilies {
		if n := cf.family.count(text); n > bestHits {
			best, bestHits = cf.contentType, n
		}
	}
	return best, bestHits
}
