// Package explain breaks a spreadsheet formula down into plain language:
// which functions it uses, what the operators and references do, and worked
// examples for the most common functions. Pure string processing, no
// evaluation.
package explain

import (
	"fmt"
	"regexp"
	"strings"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Part explains one recognizable piece of the formula.
type Part struct {
	Snippet     string `json:"snippet"`
	Explanation string `json:"explanation"`
}

// Example is a worked input/output pair for a function in the formula.
type Example struct {
	Input       []any  `json:"input"`
	Output      any    `json:"output"`
	Explanation string `json:"explanation"`
}

type Explanation struct {
	Original      string     `json:"original"`
	PlainLanguage string     `json:"plain_language"`
	Parts         []Part     `json:"parts"`
	Complexity    Complexity `json:"complexity"`
	Examples      []Example  `json:"examples,omitempty"`
}

var functionExplanations = map[string]string{
	"SUM":         "Adds all the numbers in a range of cells",
	"AVERAGE":     "Calculates the average (arithmetic mean) of the numbers in a range",
	"COUNT":       "Counts the number of cells in a range that contain numbers",
	"COUNTA":      "Counts the number of cells in a range that are not empty",
	"MAX":         "Returns the largest value in a set of numbers",
	"MIN":         "Returns the smallest value in a set of numbers",
	"IF":          "Tests a condition and returns one value if true, another if false",
	"SUMIF":       "Adds the cells specified by a given condition or criteria",
	"VLOOKUP":     "Looks for a value in the leftmost column of a table, and returns a value in the same row from a column you specify",
	"HLOOKUP":     "Looks for a value in the top row of a table and returns a value in the same column from a row you specify",
	"INDEX":       "Returns the value at a given position in a range or array",
	"MATCH":       "Searches for a specified item in a range of cells, and returns the relative position of that item",
	"CONCATENATE": "Joins several text strings into one text string",
	"LEFT":        "Returns the specified number of characters from the start of a text string",
	"RIGHT":       "Returns the specified number of characters from the end of a text string",
	"MID":         "Returns a specific number of characters from a text string, starting at the position you specify",
	"TRIM":        "Removes spaces from text except for single spaces between words",
	"ROUND":       "Rounds a number to a specified number of digits",
	"ROUNDUP":     "Rounds a number up, away from zero, to a specified number of digits",
	"ROUNDDOWN":   "Rounds a number down, toward zero, to a specified number of digits",
	"TODAY":       "Returns the current date",
	"NOW":         "Returns the current date and time",
	"DATE":        "Returns the number that represents the date in spreadsheet date-time code",
	"YEAR":        "Returns the year corresponding to a date",
	"MONTH":       "Returns the month of a date represented by a serial number",
	"DAY":         "Returns the day of a date represented by a serial number",
	"NETWORKDAYS": "Returns the number of whole workdays between two dates",
	"WORKDAY":     "Returns the serial number of the date before or after a specified number of workdays",
	"IFERROR":     "Returns a value you specify if a formula evaluates to an error; otherwise, returns the result of the formula",
	"SUMPRODUCT":  "Multiplies corresponding components in the given arrays, and returns the sum of those products",
	"INDIRECT":    "Returns the reference specified by a text string",
	"ROW":         "Returns the row number of a reference",
	"COLUMN":      "Returns the column number of a reference",
	"AND":         "Returns TRUE if all of its arguments are TRUE",
	"OR":          "Returns TRUE if any argument is TRUE",
	"NOT":         "Reverses the logic of its argument",
	"TRUE":        "Returns the logical value TRUE",
	"FALSE":       "Returns the logical value FALSE",
}

var (
	cellRefPattern  = regexp.MustCompile(`^[A-Za-z]+[0-9]+$`)
	rangeRefPattern = regexp.MustCompile(`^[A-Za-z]+[0-9]+:[A-Za-z]+[0-9]+$`)
)

const operatorChars = "+-*/^=<>(),;{}"

// tokenize splits a formula into tokens: operators and parentheses stand
// alone, string literals stay intact, whitespace separates.
func tokenize(formula string) []string {
	cleaned := strings.TrimPrefix(formula, "=")
	var tokens []string
	var current strings.Builder
	inString := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, char := range cleaned {
		switch {
		case char == '"':
			inString = !inString
			current.WriteRune(char)
		case inString:
			current.WriteRune(char)
		case strings.ContainsRune(operatorChars, char):
			flush()
			tokens = append(tokens, string(char))
		case char == ' ':
			flush()
		default:
			current.WriteRune(char)
		}
	}
	flush()
	return tokens
}

// identifyFunctions returns the function names in first-occurrence order. A
// function is a token immediately followed by an opening parenthesis.
func identifyFunctions(tokens []string) []string {
	seen := make(map[string]bool)
	var functions []string
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i+1] != "(" {
			continue
		}
		name := tokens[i]
		if name == "" || strings.ContainsAny(name, operatorChars) || seen[name] {
			continue
		}
		seen[name] = true
		functions = append(functions, name)
	}
	return functions
}

func functionExplanation(name string) string {
	if explanation, ok := functionExplanations[strings.ToUpper(name)]; ok {
		return explanation
	}
	return "A spreadsheet function"
}

func determineComplexity(formula string, functions []string) Complexity {
	nesting := strings.Count(formula, "(")
	switch {
	case len(functions) > 3 || nesting > 3:
		return ComplexityComplex
	case len(functions) > 1 || nesting > 1:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}

func generateExamples(functions []string) []Example {
	has := func(name string) bool {
		for _, fn := range functions {
			if strings.EqualFold(fn, name) {
				return true
			}
		}
		return false
	}
	switch {
	case has("SUM"):
		return []Example{{
			Input:       []any{10, 20, 30},
			Output:      60,
			Explanation: "When SUM is used with the values 10, 20, and 30, it adds them together to get 60.",
		}}
	case has("AVERAGE"):
		return []Example{{
			Input:       []any{10, 20, 30, 40},
			Output:      25,
			Explanation: "When AVERAGE is used with the values 10, 20, 30, and 40, it calculates the average: (10+20+30+40)/4 = 25.",
		}}
	case has("IF"):
		return []Example{
			{
				Input:       []any{true, "Yes", "No"},
				Output:      "Yes",
				Explanation: `When the condition is TRUE, IF returns the "Yes" value.`,
			},
			{
				Input:       []any{false, "Yes", "No"},
				Output:      "No",
				Explanation: `When the condition is FALSE, IF returns the "No" value.`,
			},
		}
	default:
		return nil
	}
}

func filterTokens(tokens []string, pattern *regexp.Regexp) []string {
	var matched []string
	for _, token := range tokens {
		if pattern.MatchString(token) {
			matched = append(matched, token)
		}
	}
	return matched
}

func breakDown(tokens []string, functions []string) []Part {
	var parts []Part
	for _, fn := range functions {
		parts = append(parts, Part{Snippet: fn, Explanation: functionExplanation(fn)})
	}
	operators := []struct {
		symbol      string
		explanation string
	}{
		{"+", "Adds values together"},
		{"-", "Subtracts the right value from the left value"},
		{"*", "Multiplies values together"},
		{"/", "Divides the left value by the right value"},
	}
	contains := func(symbol string) bool {
		for _, token := range tokens {
			if token == symbol {
				return true
			}
		}
		return false
	}
	for _, op := range operators {
		if contains(op.symbol) {
			parts = append(parts, Part{Snippet: op.symbol, Explanation: op.explanation})
		}
	}
	if cellRefs := filterTokens(tokens, cellRefPattern); len(cellRefs) > 0 {
		parts = append(parts, Part{
			Snippet:     strings.Join(cellRefs, ", "),
			Explanation: "References to specific cells in the spreadsheet",
		})
	}
	if rangeRefs := filterTokens(tokens, rangeRefPattern); len(rangeRefs) > 0 {
		parts = append(parts, Part{
			Snippet:     strings.Join(rangeRefs, ", "),
			Explanation: "References to ranges of cells in the spreadsheet",
		})
	}
	return parts
}

func plainLanguage(tokens []string, functions []string) string {
	var b strings.Builder
	b.WriteString("This formula ")
	if len(functions) > 0 {
		main := functions[0]
		fmt.Fprintf(&b, "uses the %s function, which %s. ", main, strings.ToLower(functionExplanation(main)))
		if len(functions) > 1 {
			plural := ""
			if len(functions) > 2 {
				plural = "s"
			}
			fmt.Fprintf(&b, "It also uses %d other function%s: %s. ", len(functions)-1, plural, strings.Join(functions[1:], ", "))
		}
	} else {
		var ops []string
		for _, op := range []struct{ symbol, name string }{
			{"+", "addition"}, {"-", "subtraction"}, {"*", "multiplication"}, {"/", "division"},
		} {
			for _, token := range tokens {
				if token == op.symbol {
					ops = append(ops, op.name)
					break
				}
			}
		}
		if len(ops) > 0 {
			fmt.Fprintf(&b, "performs a calculation using %s. ", strings.Join(ops, " and "))
		}
	}
	if cellRefs := filterTokens(tokens, cellRefPattern); len(cellRefs) > 0 {
		plural := ""
		if len(cellRefs) > 1 {
			plural = "s"
		}
		fmt.Fprintf(&b, "It references %d specific cell%s: %s. ", len(cellRefs), plural, strings.Join(cellRefs, ", "))
	}
	if rangeRefs := filterTokens(tokens, rangeRefPattern); len(rangeRefs) > 0 {
		plural := ""
		if len(rangeRefs) > 1 {
			plural = "s"
		}
		fmt.Fprintf(&b, "It works with %d range%s of cells: %s. ", len(rangeRefs), plural, strings.Join(rangeRefs, ", "))
	}
	return strings.TrimSpace(b.String())
}

// Formula explains a spreadsheet formula without evaluating it.
func Formula(formula string) Explanation {
	tokens := tokenize(formula)
	functions := identifyFunctions(tokens)
	return Explanation{
		Original:      formula,
		PlainLanguage: plainLanguage(tokens, functions),
		Parts:         breakDown(tokens, functions),
		Complexity:    determineComplexity(formula, functions),
		Examples:      generateExamples(functions),
	}
}
