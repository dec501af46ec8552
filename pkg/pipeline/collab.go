// Package pipeline runs the deployment lifecycle: instruction parsing,
// repository analysis, infrastructure selection, recipe planning, the
// terraform stages, observability attachment, verification, and
// teardown. Stages before terraform degrade to conservative defaults on
// failure; terraform stages are fatal.
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Overrides are deployment preferences parsed from the operator's
// instructions.
type Overrides struct {
	Cloud        string `json:"cloud,omitempty"`
	Infra        string `json:"infra,omitempty"`
	Region       string `json:"region,omitempty"`
	InstanceSize string `json:"instance_size,omitempty"`
	Domain       string `json:"domain,omitempty"`
	SSL          bool   `json:"ssl,omitempty"`
	Autoscale    bool   `json:"autoscale,omitempty"`
	TTLHours     int    `json:"ttl_hours,omitempty"`

	// Confidence in [0,1] reflects how much of the instructions the
	// extractor understood.
	Confidence float64 `json:"confidence"`
}

// ExtractReport records how overrides were derived.
type ExtractReport struct {
	Hits        int      `json:"hits"`
	Assumptions []string `json:"assumptions,omitempty"`
	Conflicts   []string `json:"conflicts,omitempty"`
}

// Extractor parses free-form instructions into Overrides.
type Extractor interface {
	Extract(instructions, defaultRegion string) (*Overrides, *ExtractReport, error)
}

// DeploymentSpec describes what the repository needs to run.
type DeploymentSpec struct {
	Runtime       string   `json:"runtime"`
	Framework     string   `json:"framework"`
	Containerized bool     `json:"containerized"`
	Static        bool     `json:"static"`
	DBRequired    bool     `json:"db_required"`
	Port          int      `json:"port"`
	HealthPath    string   `json:"health_path"`
	EnvRequired   []string `json:"env_required,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Rationale     []string `json:"rationale,omitempty"`
}

// Analyzer inspects a repository and produces its DeploymentSpec.
type Analyzer interface {
	Analyze(repo, instructions string) (*DeploymentSpec, error)
}

// InfraPlan is the chosen infrastructure shape.
type InfraPlan struct {
	Target       string         `json:"target"`
	ModuleHint   string         `json:"module_hint"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Rationale    []string       `json:"rationale,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	Confidence   float64        `json:"confidence"`
	FallbackUsed bool           `json:"fallback_used"`
}

// Selector picks infrastructure for a spec, honoring overrides.
type Selector interface {
	Select(spec *DeploymentSpec, overrides *Overrides) (*InfraPlan, error)
}

// SmokeCheck is one HTTP probe in a recipe's verification checklist.
type SmokeCheck struct {
	Path     string `json:"path"`
	Expect   int    `json:"expect"`
	Contains string `json:"contains,omitempty"`
	MaxTries int    `json:"max_tries,omitempty"`
}

// RecipePlan is the concrete deployment configuration a recipe emits.
type RecipePlan struct {
	Name           string         `json:"name"`
	Target         string         `json:"target"`
	Vars           map[string]any `json:"vars,omitempty"`
	UserData       string         `json:"user_data,omitempty"`
	SmokeChecks    []SmokeCheck   `json:"smoke_checks,omitempty"`
	Rationale      []string       `json:"rationale,omitempty"`
	PreflightNotes []string       `json:"preflight_notes,omitempty"`
}

// Recipe turns a spec and infra plan into a RecipePlan. Applies scores
// how well the recipe fits; zero means not applicable.
type Recipe interface {
	Name() string
	Applies(spec *DeploymentSpec) int
	Plan(spec *DeploymentSpec, infra *InfraPlan, repo string) (*RecipePlan, error)
}

// Registry holds recipes in declaration order.
type Registry struct {
	recipes []Recipe
}

// NewRegistry creates a registry with the built-in recipes.
func NewRegistry() *Registry {
	return &Registry{recipes: []Recipe{
		&dockerizedRecipe{},
		&pythonWebRecipe{},
		&nodeWebRecipe{},
		&staticSiteRecipe{},
	}}
}

// Register appends a recipe.
func (r *Registry) Register(recipe Recipe) {
	r.recipes = append(r.recipes, recipe)
}

// Select returns the highest-scoring applicable recipe. Ties resolve
// in declaration order. Returns nil when nothing applies.
func (r *Registry) Select(spec *DeploymentSpec) Recipe {
	var best Recipe
	bestScore := 0
	for _, recipe := range r.recipes {
		if score := recipe.Applies(spec); score > bestScore {
			best = recipe
			bestScore = score
		}
	}
	return best
}

// ruleExtractor derives overrides from instruction keywords. It never
// fails; unparsed instructions yield defaults with low confidence.
type ruleExtractor struct{}

// NewRuleExtractor returns the keyword-based extractor.
func NewRuleExtractor() Extractor {
	return &ruleExtractor{}
}

var (
	regionPattern = regexp.MustCompile(`\b((?:us|eu|ap|sa|ca|me|af)-[a-z]+-\d)\b`)
	ttlPattern    = regexp.MustCompile(`(?i)\b(?:ttl|destroy|tear ?down|expire)\D{0,20}?(\d+)\s*h(?:ou)?rs?\b`)
	sizePattern   = regexp.MustCompile(`(?i)\b(nano|micro|small|medium|large|xlarge)\b`)
	domainPattern = regexp.MustCompile(`(?i)\bdomain\s+([a-z0-9.-]+\.[a-z]{2,})\b`)
)

func (e *ruleExtractor) Extract(instructions, defaultRegion string) (*Overrides, *ExtractReport, error) {
	overrides := &Overrides{
		Cloud:  "aws",
		Region: defaultRegion,
	}
	report := &ExtractReport{}
	lower := strings.ToLower(instructions)

	if m := regionPattern.FindStringSubmatch(lower); m != nil {
		overrides.Region = m[1]
		report.Hits++
	} else {
		report.Assumptions = append(report.Assumptions, fmt.Sprintf("region defaulted to %s", defaultRegion))
	}

	if m := ttlPattern.FindStringSubmatch(instructions); m != nil {
		if hours, err := strconv.Atoi(m[1]); err == nil && hours > 0 {
			overrides.TTLHours = hours
			report.Hits++
		}
	}

	switch {
	case strings.Contains(lower, "fargate") || strings.Contains(lower, "ecs"):
		overrides.Infra = "ecs_fargate"
		report.Hits++
	case strings.Contains(lower, "static") || strings.Contains(lower, "cloudfront"):
		overrides.Infra = "s3_cf"
		report.Hits++
	case strings.Contains(lower, "ec2") || strings.Contains(lower, "virtual machine") || strings.Contains(lower, " vm "):
		overrides.Infra = "ec2"
		report.Hits++
	}

	if m := sizePattern.FindStringSubmatch(lower); m != nil {
		overrides.InstanceSize = m[1]
		report.Hits++
	}
	if m := domainPattern.FindStringSubmatch(instructions); m != nil {
		overrides.Domain = m[1]
		report.Hits++
	}
	if strings.Contains(lower, "ssl") || strings.Contains(lower, "https") {
		overrides.SSL = true
		report.Hits++
	}
	if strings.Contains(lower, "autoscal") {
		overrides.Autoscale = true
		report.Hits++
	}

	// Confidence grows with hits but never claims certainty.
	overrides.Confidence = float64(report.Hits) / 8.0
	if overrides.Confidence > 0.9 {
		overrides.Confidence = 0.9
	}
	return overrides, report, nil
}

// keywordAnalyzer guesses the deployment spec from instruction
// keywords and conservative defaults. Cloning and inspecting the
// repository is deliberately out of scope here; the recipe's user data
// does the real work at bootstrap time.
type keywordAnalyzer struct{}

// NewKeywordAnalyzer returns the keyword-based analyzer.
func NewKeywordAnalyzer() Analyzer {
	return &keywordAnalyzer{}
}

func (a *keywordAnalyzer) Analyze(repo, instructions string) (*DeploymentSpec, error) {
	spec := &DeploymentSpec{
		Runtime:    "python",
		Framework:  "flask",
		Port:       8080,
		HealthPath: "/",
	}
	lower := strings.ToLower(instructions + " " + repo)

	switch {
	case strings.Contains(lower, "django"):
		spec.Framework = "django"
		spec.Rationale = append(spec.Rationale, "django mentioned in instructions")
	case strings.Contains(lower, "fastapi") || strings.Contains(lower, "uvicorn"):
		spec.Framework = "fastapi"
		spec.Rationale = append(spec.Rationale, "fastapi mentioned in instructions")
	case strings.Contains(lower, "flask"):
		spec.Rationale = append(spec.Rationale, "flask mentioned in instructions")
	case strings.Contains(lower, "express") || strings.Contains(lower, "node"):
		spec.Runtime = "node"
		spec.Framework = "express"
		spec.Port = 3000
		spec.Rationale = append(spec.Rationale, "node mentioned in instructions")
	case strings.Contains(lower, "static") || strings.Contains(lower, "html"):
		spec.Runtime = "static"
		spec.Framework = ""
		spec.Static = true
		spec.Rationale = append(spec.Rationale, "static site mentioned in instructions")
	default:
		spec.Rationale = append(spec.Rationale, "no runtime signal, defaulting to python/flask")
	}

	if strings.Contains(lower, "docker") || strings.Contains(lower, "container") {
		spec.Containerized = true
	}

	if strings.Contains(lower, "postgres") || strings.Contains(lower, "mysql") || strings.Contains(lower, "database") {
		spec.DBRequired = true
		spec.Warnings = append(spec.Warnings, "database requirement detected, no managed database is provisioned")
	}

	if m := regexp.MustCompile(`(?i)\bport\s+(\d{2,5})\b`).FindStringSubmatch(instructions); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port < 65536 {
			spec.Port = port
		}
	}
	return spec, nil
}

// ruleSelector maps a spec to infrastructure. Overrides win when
// present; otherwise containerized apps go to Fargate, static sites to
// S3+CloudFront, and everything else to a single EC2 instance.
type ruleSelector struct{}

// NewRuleSelector returns the rule-based selector.
func NewRuleSelector() Selector {
	return &ruleSelector{}
}

func (s *ruleSelector) Select(spec *DeploymentSpec, overrides *Overrides) (*InfraPlan, error) {
	plan := &InfraPlan{
		Parameters: map[string]any{},
		Confidence: 0.8,
	}

	target := ""
	if overrides != nil && overrides.Infra != "" {
		target = overrides.Infra
		plan.Rationale = append(plan.Rationale, "infrastructure requested in instructions")
	} else {
		switch {
		case spec.Static:
			target = "s3_cf"
			plan.Rationale = append(plan.Rationale, "static site, no server process needed")
		case spec.Containerized:
			target = "ecs_fargate"
			plan.Rationale = append(plan.Rationale, "containerized application")
		default:
			target = "ec2"
			plan.Rationale = append(plan.Rationale, "single-process web application")
		}
	}

	plan.Target = target
	switch target {
	case "ec2":
		plan.ModuleHint = "ec2_web"
		plan.Parameters["port"] = spec.Port
	case "ecs_fargate":
		plan.ModuleHint = "ecs_service"
		plan.Parameters["port"] = spec.Port
	case "s3_cf":
		plan.ModuleHint = "static_site"
	default:
		// Unknown override target: fall back to EC2 rather than fail.
		plan.Target = "ec2"
		plan.ModuleHint = "ec2_web"
		plan.Parameters["port"] = spec.Port
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("unsupported target %q, using ec2", target))
		plan.Confidence = 0.5
		plan.FallbackUsed = true
	}

	if overrides != nil && overrides.InstanceSize != "" {
		plan.Parameters["instance_size"] = overrides.InstanceSize
	}
	return plan, nil
}

// FallbackSpec is the spec used when analysis fails outright.
func FallbackSpec() *DeploymentSpec {
	return &DeploymentSpec{
		Runtime:    "python",
		Framework:  "flask",
		Port:       8080,
		HealthPath: "/",
		Warnings:   []string{"analysis failed, using defaults"},
	}
}

// FallbackInfraPlan is the plan used when selection fails outright.
func FallbackInfraPlan(spec *DeploymentSpec) *InfraPlan {
	return &InfraPlan{
		Target:       "ec2",
		ModuleHint:   "ec2_web",
		Parameters:   map[string]any{"port": spec.Port},
		Rationale:    []string{"fallback to ec2"},
		Confidence:   0.5,
		FallbackUsed: true,
	}
}
