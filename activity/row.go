package activity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/samber/lo"
	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
)

// ExtractRow folds a wire row into a key/value map. Plain maps are returned
// as-is; legacy column arrays are folded by column name; nil yields an empty map.
func ExtractRow(wire any) map[string]any {
	switch row := wire.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return row
	case []capturer.Column:
		out := make(map[string]any, len(row))
		for _, col := range row {
			out[col.Name] = col.Value
		}
		return out
	case []any:
		out := make(map[string]any, len(row))
		for _, item := range row {
			col, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, ok := col["name"].(string)
			if !ok {
				continue
			}
			out[name] = col["value"]
		}
		return out
	default:
		return map[string]any{}
	}
}

// ToCamel converts snake_case to camelCase. Leading underscores are kept.
func ToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, r := range s {
		if r == '_' {
			if strings.Trim(b.String(), "_") == "" {
				b.WriteRune(r)
				continue
			}
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ToCamelKeys rewrites every key to camelCase. Values are not touched.
func ToCamelKeys(row map[string]any) map[string]any {
	return lo.MapKeys(row, func(_ any, key string) string {
		return ToCamel(key)
	})
}

// DiffKeys returns the camelCased keys of newRow whose JSON encoding differs
// from oldRow, skipping the volatile column. It returns nil when oldRow is
// empty: without a before image the change set is unknown.
func DiffKeys(oldRow, newRow map[string]any, volatile string) []string {
	if len(oldRow) == 0 {
		return nil
	}

	keys := lo.Keys(newRow)
	sort.Strings(keys)

	changed := make([]string, 0)
	for _, key := range keys {
		camel := ToCamel(key)
		if volatile != "" && (key == volatile || camel == ToCamel(volatile)) {
			continue
		}
		if !sameJSON(oldRow[key], newRow[key]) {
			changed = append(changed, camel)
		}
	}
	return changed
}

func sameJSON(a, b any) bool {
	ea, errA := jsoncodec.Marshal(a)
	eb, errB := jsoncodec.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return string(ea) == string(eb)
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, s != ""
	case json.Number:
		return s.String(), true
	case float64:
		// whole numbers print without an exponent
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(s), true
	}
}
