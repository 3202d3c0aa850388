package core

import jsoniter "github.com/json-iterator/go"

// JsEscape quotes s as a JavaScript string literal. JSON string syntax is
// used because Go's %q escapes (\U, \a) are not valid JavaScript.
func JsEscape(s string) string {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}
