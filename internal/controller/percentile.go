package controller

import (
	"cmp"
	"slices"
)

// selectThreshold is the size above which percentiles use quickselect
// instead of a full sort.
const selectThreshold = 1000

// Percentile returns the p-th percentile (0-100) of values using the nearest
// rank below. values is not modified.
func Percentile[T cmp.Ordered](values []T, p float64) T {
	var zero T
	if len(values) == 0 {
		return zero
	}
	data := slices.Clone(values)
	k := rank(len(data), p)
	if len(data) <= selectThreshold {
		slices.Sort(data)
		return data[k]
	}
	return quickSelect(data, k)
}

// Percentiles computes several percentiles of values at once.
func Percentiles[T cmp.Ordered](values []T, ps ...float64) map[float64]T {
	result := make(map[float64]T, len(ps))
	if len(values) == 0 {
		for _, p := range ps {
			var zero T
			result[p] = zero
		}
		return result
	}

	if len(values) <= selectThreshold {
		// one sort serves every percentile
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		for _, p := range ps {
			result[p] = sorted[rank(len(sorted), p)]
		}
		return result
	}
	for _, p := range ps {
		result[p] = quickSelect(slices.Clone(values), rank(len(values), p))
	}
	return result
}

func rank(n int, p float64) int {
	k := int(float64(n-1) * (p / 100.0))
	switch {
	case k < 0:
		return 0
	case k >= n:
		return n - 1
	}
	return k
}

// quickSelect returns the k-th smallest element, reordering arr.
func quickSelect[T cmp.Ordered](arr []T, k int) T {
	left, right := 0, len(arr)-1
	for {
		if left == right {
			return arr[left]
		}
		pivot := partition(arr, left, right)
		switch {
		case k == pivot:
			return arr[k]
		case k < pivot:
			right = pivot - 1
		default:
			left = pivot + 1
		}
	}
}

// partition moves everything below the middle element to its left and
// returns the element's final position.
func partition[T cmp.Ordered](arr []T, left, right int) int {
	mid := left + (right-left)/2
	pivot := arr[mid]
	arr[mid], arr[right] = arr[right], arr[mid]

	store := left
	for i := left; i < right; i++ {
		if arr[i] < pivot {
			arr[store], arr[i] = arr[i], arr[store]
			store++
		}
	}
	arr[store], arr[right] = arr[right], arr[store]
	return store
}
