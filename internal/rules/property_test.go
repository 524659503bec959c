package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/types"
)

// catalogue holds valid conditions the tree generator draws from.
var catalogue = []*types.Condition{
	types.Cond(types.AttrTotalDonated, types.OpGte, 100),
	types.Cond(types.AttrTotalDonated, types.OpLt, 25.5),
	types.Cond(types.AttrDonationCount, types.OpGt, 2),
	types.Cond(types.AttrScore, types.OpIsSet, nil),
	types.Cond(types.AttrScore, types.OpNeq, 50),
	types.Cond(types.AttrCountry, types.OpEq, "DE"),
	types.Cond(types.AttrCountry, types.OpNotIn, []any{"US", "CA"}),
	types.Cond(types.AttrCountry, types.OpIn, []any{}),
	types.Cond(types.AttrSegment, types.OpNotIn, []any{}),
	types.Cond(types.AttrEmail, types.OpContains, "EXAMPLE"),
	types.Cond(types.AttrTags, types.OpContains, "vip"),
	types.Cond(types.AttrTags, types.OpNotIn, []any{"lapsed"}),
	types.Cond(types.AttrOptInEmail, types.OpEq, true),
	types.Cond(types.AttrLastDonationDate, types.OpWithinDays, 90),
	types.Cond(types.AttrLastDonationDate, types.OpNeq, "2024-06-01"),
	types.Cond(types.AttrFirstDonationDate, types.OpBefore, "2020-01-01"),
}

// treeFromSeq builds a valid rule tree deterministically from generated ints.
func treeFromSeq(seq []int) *types.Group {
	root := types.And()
	stack := []*types.Group{root}
	for _, n := range seq {
		top := stack[len(stack)-1]
		switch n % 6 {
		case 0:
			if len(stack) < 6 {
				comb := types.CombinatorAnd
				if (n/6)%2 == 1 {
					comb = types.CombinatorOr
				}
				g := &types.Group{Combinator: comb}
				top.Children = append(top.Children, g)
				stack = append(stack, g)
			}
		case 1:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		default:
			top.Children = append(top.Children, catalogue[(n/6)%len(catalogue)])
		}
	}
	fillEmpty(root)
	return root
}

func fillEmpty(g *types.Group) {
	if len(g.Children) == 0 {
		g.Children = append(g.Children, catalogue[0])
		return
	}
	for _, child := range g.Children {
		if sub, ok := child.(*types.Group); ok {
			fillEmpty(sub)
		}
	}
}

// donorFromSeed spreads the bits of seed over the attributes the catalogue uses.
func donorFromSeed(org types.OrganizationID, seed int) types.Donor {
	d := types.Donor{
		ID:             types.DonorID(fmt.Sprintf("d-%d", seed)),
		OrganizationID: org,
		TotalDonated:   decimal.New(int64(seed%40000), -2),
		DonationCount:  int64(seed % 7),
		OptInEmail:     seed&1 == 1,
	}
	if seed&2 == 2 {
		score := int64(seed % 100)
		d.Score = &score
	}
	switch seed % 4 {
	case 0:
		d.Country = "DE"
	case 1:
		d.Country = "US"
	case 2:
		d.Country = "FR"
	}
	if seed&4 == 4 {
		d.Email = fmt.Sprintf("donor%d@example.org", seed)
	}
	if seed&8 == 8 {
		d.Tags = []string{"vip"}
	} else if seed&16 == 16 {
		d.Tags = []string{"lapsed", "event"}
	}
	if seed&32 == 32 {
		last := fixedNow().AddDate(0, 0, -(seed % 200))
		d.LastDonationDate = &last
		first := last.AddDate(-(seed % 8), 0, 0)
		d.FirstDonationDate = &first
	}
	return d
}

// naiveMatches evaluates the authored tree condition by condition without
// flattening, folding or reordering; the oracle for compiled predicates.
func naiveMatches(t *testing.T, n types.Node, d types.Donor) bool {
	switch x := n.(type) {
	case *types.Group:
		if x.Combinator == types.CombinatorOr {
			for _, c := range x.Children {
				if naiveMatches(t, c, d) {
					return true
				}
			}
			return false
		}
		for _, c := range x.Children {
			if !naiveMatches(t, c, d) {
				return false
			}
		}
		return true
	case *types.Condition:
		p := mustCompile(t, types.And(x), CompileOptions{})
		return p.Matches(d)
	}
	t.Fatalf("unexpected node %T", n)
	return false
}

func seqGen() gopter.Gen {
	return gen.SliceOfN(24, gen.IntRange(0, 600))
}

func TestProperty_TenantIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("predicates never match donors of another organization", prop.ForAll(
		func(seq []int, seed int) bool {
			p := mustCompile(t, treeFromSeq(seq), CompileOptions{})
			return !p.Matches(donorFromSeed("org-2", seed))
		},
		seqGen(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

func TestProperty_CompileIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compiling the same rules twice yields the same predicate", prop.ForAll(
		func(seq []int) bool {
			valid := mustValidate(t, treeFromSeq(seq))
			opts := CompileOptions{Now: fixedNow, Location: time.UTC}
			a, errA := Compile(valid, "org-1", opts)
			b, errB := Compile(valid, "org-1", opts)
			return errA == nil && errB == nil && a.String() == b.String()
		},
		seqGen(),
	))

	properties.TestingRun(t)
}

func TestProperty_OptimizationPreservesSemantics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compiled predicate agrees with naive tree evaluation", prop.ForAll(
		func(seq []int, seed int) bool {
			tree := treeFromSeq(seq)
			p := mustCompile(t, tree, CompileOptions{})
			d := donorFromSeed("org-1", seed)
			return p.Matches(d) == naiveMatches(t, tree, d)
		},
		seqGen(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

func TestProperty_EmptyLists(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	in := mustCompile(t, types.And(types.Cond(types.AttrCountry, types.OpIn, []any{})), CompileOptions{})
	notIn := mustCompile(t, types.And(types.Cond(types.AttrTags, types.OpNotIn, []any{})), CompileOptions{})

	properties.Property("empty in matches nothing, empty not_in matches everything", prop.ForAll(
		func(seed int) bool {
			d := donorFromSeed("org-1", seed)
			return !in.Matches(d) && notIn.Matches(d)
		},
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

func TestProperty_TypeMismatchRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	numeric := []types.DonorAttribute{types.AttrTotalDonated, types.AttrDonationCount, types.AttrScore}
	ops := []types.Operator{types.OpEq, types.OpNeq, types.OpGt, types.OpGte, types.OpLt, types.OpLte}

	properties.Property("numeric fields never accept string operands", prop.ForAll(
		func(fieldIdx, opIdx, n int) bool {
			cond := types.Cond(numeric[fieldIdx], ops[opIdx], fmt.Sprintf("%d", n))
			_, err := Validate(types.NewRules(types.And(cond)), nil)
			verrs, ok := err.(types.ValidationErrors)
			return ok && len(verrs) == 1 && verrs[0].Rule == types.RuleTypeMismatch
		},
		gen.IntRange(0, len(numeric)-1),
		gen.IntRange(0, len(ops)-1),
		gen.Int(),
	))

	properties.Property("boolean fields never accept numbers", prop.ForAll(
		func(n int) bool {
			cond := types.Cond(types.AttrOptInSMS, types.OpEq, n)
			_, err := Validate(types.NewRules(types.And(cond)), nil)
			verrs, ok := err.(types.ValidationErrors)
			return ok && verrs[0].Rule == types.RuleTypeMismatch
		},
		gen.IntRange(0, 1),
	))

	properties.TestingRun(t)
}
