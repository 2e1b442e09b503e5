package classifier

// Weight dimension names, used as keys for weight overrides.
const (
	DimKeyword     = "keyword"
	DimFilePattern = "file_pattern"
	DimTechHint    = "tech_hint"
)

// defaultWeights favour file evidence over keywords since paths are less
// ambiguous than free text.
var defaultWeights = map[string]float64{
	DimKeyword:     1.0,
	DimFilePattern: 1.5,
	DimTechHint:    0.5,
}

// TaskTypeDef defines one task type the classifier can emit.
type TaskTypeDef struct {
	Name         string   `json:"name" toml:"name"`
	Keywords     []string `json:"keywords,omitempty" toml:"keywords"`
	FilePatterns []string `json:"filePatterns,omitempty" toml:"filePatterns"`
	TechHints    []string `json:"techHints,omitempty" toml:"techHints"`
	// Weight scales the whole score of this type. Zero means 1.
	Weight float64 `json:"weight,omitempty" toml:"weight"`
}

// Config holds the classifier configuration.
type Config struct {
	// MinScore is the score a type must reach to be returned instead of generic.
	MinScore float64 `json:"minScore" toml:"minScore"`

	// Weights overrides the default dimension weights.
	// Keys are dimension names (e.g. "keyword"), values are weights.
	Weights map[string]float64 `json:"weights,omitempty" toml:"weights"`

	// TaskTypes are added on top of the built-in types. A custom type with
	// the name of a built-in one replaces it.
	TaskTypes []TaskTypeDef `json:"taskTypes,omitempty" toml:"taskTypes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MinScore: 0.5}
}

// builtinTypes is the initial task-type table.
func builtinTypes() []TaskTypeDef {
	return []TaskTypeDef{
		{
			Name:         "api-design",
			Keywords:     []string{"api", "endpoint", "rest", "route", "graphql", "openapi", "swagger", "grpc"},
			FilePatterns: []string{"**/routes/**", "**/api/**", "**/handlers/**", "*.proto", "openapi.*"},
			TechHints:    []string{"express", "fastapi", "gin", "chi"},
		},
		{
			Name:         "frontend",
			Keywords:     []string{"component", "frontend", "ui", "css", "layout", "react", "vue", "responsive"},
			FilePatterns: []string{"*.tsx", "*.jsx", "*.vue", "*.svelte", "*.css", "*.scss", "**/components/**"},
			TechHints:    []string{"react", "next.js", "tailwind", "angular"},
		},
		{
			Name:         "backend",
			Keywords:     []string{"backend", "server", "service", "business logic", "middleware", "worker"},
			FilePatterns: []string{"**/server/**", "**/services/**", "**/internal/**", "*.go"},
			TechHints:    []string{"django", "spring", "rails", "node"},
		},
		{
			Name:         "database",
			Keywords:     []string{"database", "schema", "migration", "query", "sql", "index", "table"},
			FilePatterns: []string{"*.sql", "**/migrations/**", "**/models/**", "schema.*"},
			TechHints:    []string{"postgres", "mysql", "sqlite", "mongodb", "redis"},
		},
		{
			Name:         "security",
			Keywords:     []string{"security", "vulnerability", "auth", "xss", "csrf", "injection", "encrypt", "secret"},
			FilePatterns: []string{"**/auth/**", "**/security/**", "*.pem"},
			TechHints:    []string{"oauth", "jwt", "owasp"},
		},
		{
			Name:         "testing",
			Keywords:     []string{"test", "coverage", "mock", "assert", "fixture", "e2e"},
			FilePatterns: []string{"*_test.go", "*.test.ts", "*.spec.ts", "**/tests/**", "test_*.py"},
			TechHints:    []string{"jest", "pytest", "vitest", "cypress"},
		},
		{
			Name:         "documentation",
			Keywords:     []string{"document", "readme", "docs", "guide", "tutorial", "changelog"},
			FilePatterns: []string{"*.md", "*.rst", "**/docs/**"},
		},
		{
			Name:         "devops",
			Keywords:     []string{"deploy", "pipeline", "docker", "kubernetes", "ci/cd", "terraform", "helm"},
			FilePatterns: []string{"Dockerfile", "*.tf", "**/.github/workflows/**", "docker-compose.*", "**/k8s/**"},
			TechHints:    []string{"aws", "gcp", "azure", "github actions"},
		},
		{
			Name:     "debugging",
			Keywords: []string{"bug", "fix", "error", "crash", "debug", "stack trace", "exception", "broken"},
		},
		{
			Name:     "refactoring",
			Keywords: []string{"refactor", "cleanup", "clean up", "restructure", "rename", "extract", "simplify"},
		},
		{
			Name:     "performance",
			Keywords: []string{"performance", "optimize", "optimise", "latency", "slow", "profile", "benchmark", "memory leak"},
		},
	}
}
