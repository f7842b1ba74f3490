package mapping

import "fmt"

// get returns the value at p, and whether every step exists.
func (p Path) get(root map[string]any) (any, bool) {
	var cur any = root
	for _, st := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[st.Key]
		if !ok {
			return nil, false
		}
		if st.Index >= 0 {
			arr, ok := v.([]any)
			if !ok || st.Index >= len(arr) {
				return nil, false
			}
			v = arr[st.Index]
		}
		cur = v
	}
	return cur, true
}

// set writes v at p, creating intermediate objects and arrays. Missing
// array elements before the index are left null.
func (p Path) set(root map[string]any, v any) error {
	m := root
	for i, st := range p {
		last := i == len(p)-1
		if st.Index < 0 {
			if last {
				m[st.Key] = v
				return nil
			}
			next, err := child(m[st.Key], p, st.Key)
			if err != nil {
				return err
			}
			m[st.Key] = next
			m = next
			continue
		}

		var arr []any
		switch x := m[st.Key].(type) {
		case nil:
		case []any:
			arr = x
		default:
			return fmt.Errorf("%s: %q is not an array", p, st.Key)
		}
		for len(arr) <= st.Index {
			arr = append(arr, nil)
		}
		m[st.Key] = arr
		if last {
			arr[st.Index] = v
			return nil
		}
		next, err := child(arr[st.Index], p, st.Key)
		if err != nil {
			return err
		}
		arr[st.Index] = next
		m = next
	}
	return nil
}

func child(v any, p Path, key string) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return x, nil
	}
	return nil, fmt.Errorf("%s: %q is not an object", p, key)
}
