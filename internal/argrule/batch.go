package argrule

import "strings"

// batchActiveChars are the characters cmd.exe treats specially and that
// BatchScript escapes by prefixing with '^' at format time.
const batchActiveChars = "&<>[]{}^\"=;!'+,`~"

// BatchScript implements the cmd.exe / .bat argument rules: every argument
// must be non-empty, balanced double quotes (if it starts with `"` it must
// also end with `"`, and vice versa), and free of control characters and
// '%'. Formatting escapes shell-active characters by prefixing '^' and
// wrapping the whole argument in double quotes.
type BatchScript struct{}

func (BatchScript) Validate(args []string) error {
	for i, a := range args {
		if a == "" {
			return &ViolationError{Argument: a, Index: i, Reason: "batch-script arguments must be non-empty"}
		}

		startsQuote := strings.HasPrefix(a, `"`)
		endsQuote := strings.HasSuffix(a, `"`)
		if startsQuote != endsQuote {
			return &ViolationError{Argument: a, Index: i, Reason: "unbalanced double quote"}
		}

		for _, r := range a {
			if r == '%' {
				return &ViolationError{Argument: a, Index: i, Reason: "'%' is not allowed in batch-script arguments"}
			}
			if r < 0x20 {
				return &ViolationError{Argument: a, Index: i, Reason: "control characters are not allowed"}
			}
		}
	}
	return nil
}

func (BatchScript) Format(command string, args []string) []string {
	out := make([]string, 0, len(args)+1)
	out = append(out, command)
	for _, a := range args {
		out = append(out, escapeBatch(a))
	}
	return out
}

func escapeBatch(arg string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range arg {
		if strings.ContainsRune(batchActiveChars, r) {
			b.WriteByte('^')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
