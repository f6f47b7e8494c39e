package translator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// structuralKeywords are removed everywhere they appear; the only one that
// affects the root description is a root-level additionalProperties:false,
// which adds "no additional properties" to it (§4.5 cleanJsonSchema).
var structuralKeywords = []string{
	"$schema", "additionalProperties", "uniqueItems", "exclusiveMinimum", "exclusiveMaximum",
}

// validationFacets are removed everywhere they appear; the name/value pairs
// of every one removed, at any depth, are appended to the root description
// only (§4.5).
var validationFacets = []string{
	"minLength", "maxLength", "minimum", "maximum",
	"minItems", "maxItems", "minProperties", "maxProperties",
	"pattern", "format", "multipleOf",
}

// CleanJSONSchema implements the exact cleaning rules of §4.5: recursive
// removal of structural keywords and validation facets, a root-only
// description hint summarizing what was stripped, and required/properties
// intersection at every object level. clean(clean(s)) == clean(s): a second
// pass finds nothing left to strip or intersect.
//
// CleanJSONSchema returns a new string; the caller's jsonStr is left as it
// was, since sjson.Delete/Set build new strings rather than editing in place.
func CleanJSONSchema(jsonStr string) string {
	var strippedAdditionalPropertiesFalse bool
	if v := gjson.Get(jsonStr, "additionalProperties"); v.Exists() && v.Type == gjson.False {
		strippedAdditionalPropertiesFalse = true
	}

	facetSet := make(map[string]struct{}, len(validationFacets))
	for _, key := range validationFacets {
		facetSet[key] = struct{}{}
	}
	var rootHints []string
	walkSchema(gjson.Parse(jsonStr), "", func(_, key string, val gjson.Result) {
		if _, ok := facetSet[key]; ok {
			rootHints = append(rootHints, fmt.Sprintf("%s: %s", key, val.String()))
		}
	})

	jsonStr = removeKeywordEverywhere(jsonStr, append(append([]string{}, structuralKeywords...), validationFacets...))
	jsonStr = intersectRequiredWithProperties(jsonStr)

	if len(rootHints) > 0 || strippedAdditionalPropertiesFalse {
		parts := append([]string{}, rootHints...)
		if strippedAdditionalPropertiesFalse {
			parts = append(parts, "no additional properties")
		}
		hint := "(" + strings.Join(parts, ", ") + ")"
		existing := gjson.Get(jsonStr, "description").String()
		if existing != "" {
			hint = existing + " " + hint
		}
		jsonStr, _ = sjson.Set(jsonStr, "description", hint)
	}

	return jsonStr
}

// removeKeywordEverywhere deletes every occurrence of each keyword at any
// depth, deepest paths first so a parent deletion never invalidates a
// child path still queued for removal.
func removeKeywordEverywhere(jsonStr string, keywords []string) string {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		set[k] = struct{}{}
	}
	var paths []string
	walkSchema(gjson.Parse(jsonStr), "", func(path, key string, _ gjson.Result) {
		if _, ok := set[key]; ok {
			paths = append(paths, path)
		}
	})
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, p := range paths {
		jsonStr, _ = sjson.Delete(jsonStr, p)
	}
	return jsonStr
}

// intersectRequiredWithProperties drops any required name absent from the
// same object's properties, and drops an empty required array entirely
// (§4.5 "For every object with a required array...").
func intersectRequiredWithProperties(jsonStr string) string {
	var requiredPaths []string
	walkSchema(gjson.Parse(jsonStr), "", func(path, key string, _ gjson.Result) {
		if key == "required" {
			requiredPaths = append(requiredPaths, path)
		}
	})
	sort.Slice(requiredPaths, func(i, j int) bool { return len(requiredPaths[i]) > len(requiredPaths[j]) })

	for _, p := range requiredPaths {
		req := gjson.Get(jsonStr, p)
		if !req.IsArray() {
			continue
		}
		parentPath := strings.TrimSuffix(p, ".required")
		propsPath := "properties"
		if parentPath != "" {
			propsPath = parentPath + ".properties"
		}
		props := gjson.Get(jsonStr, propsPath)

		var kept []string
		for _, r := range req.Array() {
			if props.Get(escapeKey(r.String())).Exists() {
				kept = append(kept, r.String())
			}
		}
		if len(kept) == 0 {
			jsonStr, _ = sjson.Delete(jsonStr, p)
		} else if len(kept) != len(req.Array()) {
			jsonStr, _ = sjson.Set(jsonStr, p, kept)
		}
	}
	return jsonStr
}

// walkSchema visits every key in the JSON tree, calling visit(path, key, value)
// for each object member. path is the sjson/gjson dotted path to that member.
func walkSchema(value gjson.Result, path string, visit func(path, key string, val gjson.Result)) {
	if value.IsArray() {
		for i, item := range value.Array() {
			childPath := joinSchemaPath(path, fmt.Sprintf("%d", i))
			walkSchema(item, childPath, visit)
		}
		return
	}
	if value.IsObject() {
		value.ForEach(func(key, val gjson.Result) bool {
			k := key.String()
			childPath := joinSchemaPath(path, escapeKey(k))
			visit(childPath, k, val)
			walkSchema(val, childPath, visit)
			return true
		})
	}
}

func joinSchemaPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	return base + "." + suffix
}

var schemaKeyReplacer = strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")

func escapeKey(key string) string {
	if strings.IndexAny(key, ".*?") == -1 {
		return key
	}
	return schemaKeyReplacer.Replace(key)
}
