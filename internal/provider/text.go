package provider

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Text flattens a vendor content value. Strings are returned as is; arrays
// are joined with sep, taking each element's "text" field when the element
// is an object.
func Text(r gjson.Result, sep string) string {
	switch {
	case r.Type == gjson.String:
		return r.Str
	case r.IsArray():
		var parts []string
		r.ForEach(func(_, v gjson.Result) bool {
			switch {
			case v.Type == gjson.String:
				parts = append(parts, v.Str)
			case v.IsObject():
				if t := v.Get("text"); t.Exists() {
					parts = append(parts, t.String())
				}
			default:
				parts = append(parts, v.String())
			}
			return true
		})
		return strings.Join(parts, sep)
	case r.Exists() && r.Type != gjson.Null:
		return r.String()
	}
	return ""
}

// FirstText returns the flattened text of the first path that exists.
func FirstText(data []byte, sep string, paths ...string) string {
	for _, p := range paths {
		if r := gjson.GetBytes(data, p); r.Exists() && r.Type != gjson.Null {
			return Text(r, sep)
		}
	}
	return ""
}

// PromptFromMessages renders messages as "Role: content" lines for
// backends that only take a single prompt.
func PromptFromMessages(req *Request) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	lines := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		lines = append(lines, role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
