//go:build property

package identifier_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"certcore/internal/identifier"
)

func identifierGen() gopter.Gen {
	return gen.OneGenOf(
		gen.RegexMatch(`ANSS[Ii]-CC-[0-9]{2,4}[/_-][0-9]{1,3}([_/-][MSR][0-9]{1,2})?`),
		gen.RegexMatch(`BSI-DSZ-CC-[0-9]{1,4}(-[vV][0-9])?(-(19|20)[0-9]{2})?(-MA-[0-9]{2})?`),
		gen.RegexMatch(`[0-9]{4}-[0-9]{1,3}-INF-[0-9]{1,5}( ?[vV][0-9])?(-[vV][0-9])*`),
		gen.RegexMatch(`OCSI/CERT/[A-Z]{2,4}/[0-9]{2}/[0-9]{4}(/RC)?`),
		gen.AlphaString(),
	)
}

func TestCanonicalizeIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	ctx := identifier.NewContext(nil).WithRegistry(identifier.NewRegistry(
		"BSI-DSZ-CC-0001-2003", "BSI-DSZ-CC-0815-2012", "BSI-DSZ-CC-0042-V2-2019",
	))
	properties.Property("canonicalize(canonicalize(x)) == canonicalize(x)", prop.ForAll(
		func(id string) bool {
			once := ctx.Canonicalize(id)
			return ctx.Canonicalize(once) == once
		},
		identifierGen(),
	))

	properties.TestingRun(t)
}

func TestRegistryHasNoCyclesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("every canonical target is a fixed point", prop.ForAll(
		func(ids []string) bool {
			ctx := identifier.NewContext(nil).WithRegistry(identifier.NewRegistry(ids...))
			identifier.Canonicalize(ctx)
			for _, v := range ctx.Registry {
				if next, ok := ctx.Registry[v]; ok && next != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(identifierGen()),
	))

	properties.TestingRun(t)
}
