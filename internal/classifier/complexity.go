package classifier

import (
	"regexp"
	"strings"

	"github.com/clawinfra/evovariant/internal/types"
)

var (
	reStepPatterns = regexp.MustCompile(`\b(step\s*\d|first\b.*then\b|next\b|finally\b|phase\s*\d|and then|after that)`)
	reNumberedList = regexp.MustCompile(`(?m)^\s*\d+[\.\)]\s`)
	reScopeWords   = regexp.MustCompile(`\b(entire|whole|across|all (?:files|modules|services)|end-to-end|system-wide|migrate)\b`)
)

// EstimateComplexity returns a coarse size tier from prompt length,
// multi-step markers and the number of files involved.
func EstimateComplexity(text string, filePaths []string) types.Complexity {
	lower := strings.ToLower(text)
	words := len(strings.Fields(lower))

	markers := len(reStepPatterns.FindAllString(lower, -1)) +
		len(reNumberedList.FindAllString(text, -1)) +
		len(reScopeWords.FindAllString(lower, -1))

	switch {
	case words > 120 || len(filePaths) > 5 || markers >= 3:
		return types.ComplexityHigh
	case words <= 20 && len(filePaths) <= 1 && markers == 0:
		return types.ComplexityLow
	default:
		return types.ComplexityMedium
	}
}
