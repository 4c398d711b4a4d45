package ids

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genSegment yields identifier-shaped path segments.
func genSegment() gopter.Gen {
	return gen.RegexMatch(`[A-Za-z_][A-Za-z0-9_]{0,11}`)
}

func TestFormatParseRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("format→parse→format is identity", prop.ForAll(
		func(path []string, name string, indices []int) bool {
			for _, kind := range []Kind{KindInput, KindArtifact, KindProducer} {
				formatted, err := format(kind, path, name, indices)
				if err != nil {
					return false
				}
				parsed, err := Parse(formatted)
				if err != nil {
					return false
				}
				if parsed.String() != formatted {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(2, genSegment()),
		genSegment(),
		gen.SliceOf(gen.IntRange(0, 99)),
	))

	properties.TestingRun(t)
}
