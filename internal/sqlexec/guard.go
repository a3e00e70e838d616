package sqlexec

import (
	"fmt"
	"strings"
	"unicode"

	xerrors "sqlassist/internal/errors"
)

// allowedLeading lists the statement classes that may be executed.
var allowedLeading = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"EXPLAIN": true,
	"SHOW":    true,
	"VALUES":  true,
	"TABLE":   true,
}

// deniedWords may not appear anywhere outside literals and comments. The
// leading-word check already excludes statements that start with other
// verbs; these catch writes nested in CTEs, SELECT INTO and side-effecting
// functions.
var deniedWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "COPY": true, "CALL": true, "LOCK": true, "VACUUM": true,
	"INTO": true, "OUTFILE": true, "DUMPFILE": true,
	"PG_SLEEP": true, "PG_TERMINATE_BACKEND": true, "PG_CANCEL_BACKEND": true,
	"PG_RELOAD_CONF": true, "SET_CONFIG": true, "PG_READ_FILE": true,
	"PG_READ_BINARY_FILE": true, "LO_IMPORT": true, "LO_EXPORT": true,
	"DBLINK": true, "DBLINK_EXEC": true, "SLEEP": true, "BENCHMARK": true,
}

// CheckReadOnly rejects anything that is not a single read statement and
// returns the statement cut at its terminating semicolon.
//
// The scanner errs towards rejection wherever PostgreSQL and MySQL lex
// differently: quoted text containing a backslash is refused, dollar-quote
// openers are refused, block comments do not nest and MySQL /*! ... */
// bodies are scanned as code.
func CheckReadOnly(statement string) (string, error) {
	words, cut, err := scan(statement)
	if err != nil {
		return "", violation(err.Error())
	}
	if len(words) == 0 {
		return "", violation("语句为空")
	}
	if cut < len(statement) {
		if hasCode(statement[cut+1:]) {
			return "", violation("只允许单条语句")
		}
	}
	if !allowedLeading[words[0]] {
		return "", violation(fmt.Sprintf("不允许的语句类型: %s", words[0]))
	}
	for _, w := range words[1:] {
		if deniedWords[w] {
			return "", violation(fmt.Sprintf("语句包含不允许的关键字: %s", w))
		}
	}
	return strings.TrimSpace(statement[:cut]), nil
}

func violation(msg string) error {
	return xerrors.New(xerrors.CodeReadOnlyViolation, msg)
}

// scan tokenises s into upper-cased bare words, skipping quoted text and
// comments, and stops at the first top-level semicolon. cut is the index
// of that semicolon, or len(s).
func scan(s string) (words []string, cut int, err error) {
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ';':
			return words, i, nil
		case strings.HasPrefix(s[i:], "--") && (i+2 == len(s) || isSpace(s[i+2])):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return words, len(s), nil
			}
			i += end + 1
		case strings.HasPrefix(s[i:], "/*") && !strings.HasPrefix(s[i:], "/*!"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, 0, fmt.Errorf("注释未闭合")
			}
			i += end + 4
		case c == '\'' || c == '"' || c == '`':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, 0, fmt.Errorf("引号未闭合")
			}
			// E'\'' 与 MySQL 默认模式下的 '\'' 会让引号边界错位。
			if strings.IndexByte(s[i+1:i+1+end], '\\') >= 0 {
				return nil, 0, fmt.Errorf("不支持反斜杠转义")
			}
			i += end + 2
		case c == '$' && i+1 < len(s) && (s[i+1] == '$' || isWordStart(rune(s[i+1]))):
			return nil, 0, fmt.Errorf("不支持 dollar quoting")
		case isWordStart(rune(c)):
			j := i
			for j < len(s) && isWordPart(rune(s[j])) {
				j++
			}
			words = append(words, strings.ToUpper(s[i:j]))
			i = j
		default:
			i++
		}
	}
	return words, len(s), nil
}

// hasCode reports whether anything other than whitespace, comments and
// further semicolons follows.
func hasCode(rest string) bool {
	if _, _, err := scan(rest); err != nil {
		return true
	}
	return strings.Trim(stripTrivia(rest), " \t\r\n;") != ""
}

// stripTrivia drops comments so hasCode only sees punctuation that would
// reach the server.
func stripTrivia(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "--") && (i+2 == len(s) || isSpace(s[i+2])):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return b.String()
			}
			i += end + 1
		case strings.HasPrefix(s[i:], "/*") && !strings.HasPrefix(s[i:], "/*!"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 4
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
