package array

func Map[T any, U any](list []T, fn func(T) U) []U {
	out := make([]U, len(list))
	for i, v := range list {
		out[i] = fn(v)
	}
	return out
}

func Filter[T any](list []T, fn func(T) bool) []T {
	out := make([]T, 0, len(list))
	for _, v := range list {
		if fn(v) {
			out = append(out, v)
		}
	}
	return out
}

func Contains[T comparable](list []T, target T) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// Uniq - deduplicate preserving first-seen order.
func Uniq[T comparable](list []T) []T {
	seen := make(map[T]struct{}, len(list))
	out := make([]T, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
