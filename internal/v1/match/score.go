package match

import (
	"sort"
	"strings"
	"time"

	"k8s.io/utils/set"

	"github.com/tinchat/server/internal/v1/types"
)

// Candidate score weights. Interests and wait time dominate so that
// long-waiting compatible users win; the random share keeps repeated
// runs from always picking the same candidate among near-equals.
const (
	weightInterests = 0.3
	weightBothAuth  = 0.2
	weightWait      = 0.3
	weightProfile   = 0.2
	weightRandom    = 0.1
)

// interestSimilarity returns the Jaccard index of the two interest
// lists, case-insensitive. Two empty lists score 0.5 (nothing known
// either way); exactly one empty scores 0.3.
func interestSimilarity(a, b []string) float64 {
	as, bs := interestSet(a), interestSet(b)
	switch {
	case as.Len() == 0 && bs.Len() == 0:
		return 0.5
	case as.Len() == 0 || bs.Len() == 0:
		return 0.3
	}
	return float64(as.Intersection(bs).Len()) / float64(as.Union(bs).Len())
}

// CommonInterests returns the interests both lists share, lowercased
// and sorted. The session layer shows these to a freshly paired room.
func CommonInterests(a, b []string) []string {
	common := interestSet(a).Intersection(interestSet(b))
	if common.Len() == 0 {
		return nil
	}
	out := common.UnsortedList()
	sort.Strings(out)
	return out
}

func interestSet(in []string) set.Set[string] {
	s := set.New[string]()
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			s.Insert(v)
		}
	}
	return s
}

// waitFactor maps queue wait onto [0,1], saturating at defaultMaxWait.
func waitFactor(wait time.Duration) float64 {
	if wait <= 0 {
		return 0
	}
	f := wait.Seconds() / defaultMaxWait.Seconds()
	if f > 1 {
		f = 1
	}
	return f
}

// score rates candidate c for requester u. random is drawn per
// candidate by the caller so tests can pin it.
func score(u, c *types.User, cWait time.Duration, random float64) float64 {
	s := weightInterests*interestSimilarity(u.Interests, c.Interests) +
		weightWait*waitFactor(cWait) +
		weightProfile*c.Completeness() +
		weightRandom*random
	if u.Authenticated() && c.Authenticated() {
		s += weightBothAuth
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
