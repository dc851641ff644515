package agent

import (
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ToolCall is a tool invocation extracted from model output. Start and End
// delimit the matched span in the scanned text so callers can excise or
// suppress it.
type ToolCall struct {
	Name  string
	Args  map[string]interface{}
	Start int
	End   int
}

// Models sometimes emit "tool.get_prices" instead of "get_prices".
const toolNamePrefix = "tool."

// NormalizeToolName strips the defensive "tool." prefix models occasionally
// invent.
func NormalizeToolName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), toolNamePrefix)
}

var (
	reToolTag     = regexp.MustCompile(`(?s)<tool>(.*?)</tool>`)
	reBareName    = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	rePlainCall   = regexp.MustCompile(`(?s)^([A-Za-z0-9_.\-]+)\s*:\s*(.+)$`)
	reFencedTool  = regexp.MustCompile("(?s)```tool[ \\t]*\\n(.*?)```")
	reShortFenced = regexp.MustCompile("(?s)```([A-Za-z0-9_.\\-]+)[ \\t]*\\n(.*?)```")
)

type fencedCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ExtractToolCall scans model output for a tool invocation using five
// patterns in priority order; the first match wins. The optional recognized
// filter rejects a syntactically valid match whose (normalized) name is
// unknown, letting the scan fall through to the next pattern. Malformed
// JSON inside a matched fence is treated as no match for that pattern.
func ExtractToolCall(text string, recognized func(string) bool) (ToolCall, bool) {
	accepts := func(name string) bool {
		return recognized == nil || recognized(name)
	}

	// Patterns 1 and 2: <tool>NAME</tool> and <tool>NAME: FREE_TEXT</tool>.
	if loc := reToolTag.FindStringSubmatchIndex(text); loc != nil {
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if reBareName.MatchString(body) {
			if name := NormalizeToolName(body); accepts(name) {
				return ToolCall{Name: name, Args: map[string]interface{}{}, Start: loc[0], End: loc[1]}, true
			}
		} else if m := rePlainCall.FindStringSubmatch(body); m != nil {
			if name := NormalizeToolName(m[1]); accepts(name) {
				return ToolCall{
					Name:  name,
					Args:  map[string]interface{}{"query": strings.TrimSpace(m[2])},
					Start: loc[0],
					End:   loc[1],
				}, true
			}
		}
	}

	// Pattern 3: fenced block labeled "tool" holding {"name":..., "args":{...}}.
	if loc := reFencedTool.FindStringSubmatchIndex(text); loc != nil {
		var call fencedCall
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if err := json.UnmarshalFromString(body, &call); err == nil && call.Name != "" {
			if name := NormalizeToolName(call.Name); accepts(name) {
				if call.Args == nil {
					call.Args = map[string]interface{}{}
				}
				return ToolCall{Name: name, Args: call.Args, Start: loc[0], End: loc[1]}, true
			}
		}
	}

	// Pattern 4: <tool> wrapping the same JSON object.
	if loc := reToolTag.FindStringSubmatchIndex(text); loc != nil {
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if strings.HasPrefix(body, "{") {
			var call fencedCall
			if err := json.UnmarshalFromString(body, &call); err == nil && call.Name != "" {
				if name := NormalizeToolName(call.Name); accepts(name) {
					if call.Args == nil {
						call.Args = map[string]interface{}{}
					}
					return ToolCall{Name: name, Args: call.Args, Start: loc[0], End: loc[1]}, true
				}
			}
		}
	}

	// Pattern 5: fenced block labeled with the tool name, holding the args
	// object. Only meaningful with a recognized filter, otherwise every code
	// fence would look like a call.
	if recognized != nil {
		if loc := reShortFenced.FindStringSubmatchIndex(text); loc != nil {
			name := NormalizeToolName(text[loc[2]:loc[3]])
			if name != "tool" && recognized(name) {
				var args map[string]interface{}
				body := strings.TrimSpace(text[loc[4]:loc[5]])
				if err := json.UnmarshalFromString(body, &args); err == nil {
					if args == nil {
						args = map[string]interface{}{}
					}
					return ToolCall{Name: name, Args: args, Start: loc[0], End: loc[1]}, true
				}
			}
		}
	}

	return ToolCall{}, false
}

// removeSpan excises the [start,end) span from text, trimming the
// surrounding whitespace seam.
func removeSpan(text string, start, end int) string {
	return strings.TrimSpace(strings.TrimSpace(text[:start]) + " " + strings.TrimSpace(text[end:]))
}
