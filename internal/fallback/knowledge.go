package fallback

import "github.com/remedylabs/remedy/internal/domain"

// pattern holds manual-fix guidance for one recognized error type.
type pattern struct {
	Title       string
	Description string
	CommonFixes []string
	ExampleFix  string
}

// knowledgeBase maps error-type tokens to static remediation guidance.
// Lookup key is the leading token of the error message, before the ":".
var knowledgeBase = map[string]pattern{
	"ZeroDivisionError": {
		Title:       "Division by Zero Detected",
		Description: "The code is attempting to divide by zero, which is mathematically undefined.",
		CommonFixes: []string{
			"Add a check for a zero denominator before dividing",
			"Catch the division error and return a sensible default",
			"Validate input before performing division operations",
		},
		ExampleFix: "def divide(a, b):\n    if b == 0:\n        raise ValueError(\"cannot divide by zero\")\n    return a / b",
	},
	"IndexError": {
		Title:       "List Index Out of Range",
		Description: "The code is accessing a list index that does not exist.",
		CommonFixes: []string{
			"Check the collection length before indexing",
			"Catch the out-of-range error where indices come from external input",
			"Validate indices stay within [0, len-1]",
		},
		ExampleFix: "def get_item(items, index):\n    if index < 0 or index >= len(items):\n        return None\n    return items[index]",
	},
	"KeyError": {
		Title:       "Dictionary Key Not Found",
		Description: "The code is accessing a dictionary key that does not exist.",
		CommonFixes: []string{
			"Use a lookup with a default value instead of direct indexing",
			"Check key membership before access",
			"Use a defaulting container for counters and accumulators",
		},
		ExampleFix: "def get_value(data, key):\n    return data.get(key, None)",
	},
	"TypeError": {
		Title:       "Type Mismatch Error",
		Description: "The code is performing an operation on incompatible data types.",
		CommonFixes: []string{
			"Convert operands to a common type before the operation",
			"Validate argument types at function boundaries",
			"Handle nil/None values explicitly before use",
		},
		ExampleFix: "def add_values(a, b):\n    return int(a) + int(b)",
	},
	"AttributeError": {
		Title:       "Attribute or Method Not Found",
		Description: "The code accesses an attribute or method that does not exist on the object.",
		CommonFixes: []string{
			"Check the object is not nil/None before accessing members",
			"Verify the object's type matches what the code expects",
			"Use safe accessors with defaults where the attribute is optional",
		},
		ExampleFix: "def process(obj):\n    if obj is None:\n        return None\n    if hasattr(obj, 'process'):\n        return obj.process()\n    return None",
	},
	"ValueError": {
		Title:       "Invalid Value Error",
		Description: "The code received a value of the right type but inappropriate for the operation.",
		CommonFixes: []string{
			"Validate input ranges and formats before the operation",
			"Catch the conversion error and report which value was invalid",
			"Reject invalid values at the boundary with a clear message",
		},
		ExampleFix: "def parse_number(value):\n    try:\n        return int(value)\n    except ValueError:\n        raise ValueError(f\"cannot convert {value!r} to integer\")",
	},
	"NameError": {
		Title:       "Undefined Variable or Name",
		Description: "The code references a variable or name that has not been defined.",
		CommonFixes: []string{
			"Check for typos in variable names",
			"Initialize variables before any branch that reads them",
			"Check variable scope (local vs global) and missing imports",
		},
		ExampleFix: "result = None\nif condition:\n    result = calculate()\nreturn result",
	},
	"ImportError": {
		Title:       "Module Import Failed",
		Description: "The code cannot import a required module or package.",
		CommonFixes: []string{
			"Install the missing package into the runtime environment",
			"Check the package name spelling",
			"Declare the dependency in the project manifest",
		},
		ExampleFix: "# declare the dependency, e.g. requirements.txt:\n# package-name==version",
	},
}

// genericGuidance covers error types absent from the knowledge base.
var genericGuidance = domain.ManualGuidance{
	Title:       "Unknown Error Type",
	Description: "The error type could not be identified automatically. Manual debugging is required.",
	SuggestedFixes: []string{
		"Read the error message carefully to understand what went wrong",
		"Check the line number mentioned in the stack trace",
		"Review recent code changes that might have introduced the bug",
		"Add logging or use a debugger to trace execution",
		"Search for the error message in the project's issue tracker and online",
	},
}

// debuggingSteps is the fixed manual playbook attached to every fallback.
var debuggingSteps = []domain.DebuggingStep{
	{Step: 1, Action: "Understand the Error", Description: "Read the error message and identify the exact line causing the issue"},
	{Step: 2, Action: "Reproduce Locally", Description: "Try to reproduce the error in a development environment"},
	{Step: 3, Action: "Add Logging", Description: "Insert logging statements to inspect variable values around the failure"},
	{Step: 4, Action: "Test Incrementally", Description: "Make small changes and re-run after each modification"},
	{Step: 5, Action: "Seek Help", Description: "If stuck, consult documentation or a teammate with the findings so far"},
}
