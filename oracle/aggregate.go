// Package oracle cross-validates external prices and pushes them into
// markets that have no native price feed.
package oracle

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

// maxClusterInputs bounds the subset search. Four sources are configured in
// practice.
const maxClusterInputs = 16

var two = decimal.NewFromInt(2)

// Deviation returns |a-b| / min(a,b).
func Deviation(a, b decimal.Decimal) decimal.Decimal {
	lo := decimal.Min(a, b)
	if !lo.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return a.Sub(b).Abs().Div(lo)
}

// CrossValidate picks the largest set of samples whose prices all agree
// pairwise, with relative deviation strictly below tolerance, and returns its
// median. Samples older than maxAge
// or not positive are rejected up front. A cluster needs two members; two
// distinct clusters of the same largest size are treated as disagreement.
func CrossValidate(samples []models.PriceSample, tolerance decimal.Decimal, maxAge time.Duration, now time.Time) (models.CrossValidatedPrice, error) {
	const op = "cross-validate"
	var (
		fresh    []models.PriceSample
		rejected []string
	)
	for _, s := range samples {
		if !s.Price.IsPositive() || (maxAge > 0 && now.Sub(s.ObservedAt) > maxAge) {
			rejected = append(rejected, s.Source)
			continue
		}
		fresh = append(fresh, s)
	}
	if len(fresh) > maxClusterInputs {
		fresh = fresh[:maxClusterInputs]
	}
	if len(fresh) < 2 {
		return models.CrossValidatedPrice{Rejected: rejected}, models.NewNonRetryable(op,
			fmt.Errorf("%w: %d usable of %d", models.ErrNoSamples, len(fresh), len(samples)))
	}

	mask, ambiguous := largestCluster(fresh, tolerance)
	if mask == 0 || ambiguous {
		return models.CrossValidatedPrice{Rejected: append(rejected, names(fresh)...)}, models.NewNonRetryable(op,
			fmt.Errorf("%w: %s", models.ErrPriceDisagreement, describe(fresh)))
	}

	var cluster []models.PriceSample
	for i, s := range fresh {
		if mask&(1<<uint(i)) != 0 {
			cluster = append(cluster, s)
		} else {
			rejected = append(rejected, s.Source)
		}
	}
	price := median(cluster)
	priceE6 := price.Shift(6).Round(0)
	if !priceE6.IsPositive() {
		return models.CrossValidatedPrice{}, models.NewNonRetryable(op,
			fmt.Errorf("%w: price %s rounds to zero", models.ErrInvalidInput, price))
	}
	return models.CrossValidatedPrice{
		Price:      price,
		PriceE6:    uint64(priceE6.IntPart()),
		ObservedAt: now,
		Sources:    names(cluster),
		Rejected:   rejected,
	}, nil
}

func largestCluster(samples []models.PriceSample, tolerance decimal.Decimal) (best uint, ambiguous bool) {
	n := len(samples)
	agree := make([][]bool, n)
	for i := range agree {
		agree[i] = make([]bool, n)
		for j := range agree[i] {
			agree[i][j] = i == j || Deviation(samples[i].Price, samples[j].Price).LessThan(tolerance)
		}
	}
	bestSize := 1
	for mask := uint(1); mask < 1<<uint(n); mask++ {
		size := bits.OnesCount(mask)
		if size < 2 || size < bestSize || !pairwise(mask, agree) {
			continue
		}
		if size > bestSize {
			best, bestSize, ambiguous = mask, size, false
		} else {
			ambiguous = true
		}
	}
	return best, ambiguous
}

func pairwise(mask uint, agree [][]bool) bool {
	for i := range agree {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		for j := i + 1; j < len(agree); j++ {
			if mask&(1<<uint(j)) != 0 && !agree[i][j] {
				return false
			}
		}
	}
	return true
}

func median(samples []models.PriceSample) decimal.Decimal {
	prices := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return prices[mid-1].Add(prices[mid]).Div(two)
}

func names(samples []models.PriceSample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.Source
	}
	return out
}

func describe(samples []models.PriceSample) string {
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = s.Source + "=" + s.Price.String()
	}
	return strings.Join(parts, " ")
}
