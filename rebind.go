package pipingbag

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies the SQL dialect for placeholder rendering and a few
// dialect-specific parsing behaviors.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// ParseDialect is the inverse of Dialect.String. "postgresql" and "sqlite3"
// are accepted as aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	}
	return 0, fmt.Errorf("pipingbag: unknown dialect %q", s)
}

// Rebind translates the dialect-neutral markers ($1, $2, ...) in q into the
// native syntax of d:
//
//	Postgres   $1   (unchanged)
//	SQLite     ?1
//	SQLServer  @p1
//	MySQL      ?    (unnumbered)
//
// Markers inside string literals, quoted identifiers, comments and
// dollar-quoted bodies are left untouched.
//
// For MySQL the returned order lists, per emitted marker, the zero-based
// index of the argument it consumes; pass it to BindArgs. For the numbered
// dialects order is nil and arguments are used as they are.
func Rebind(d Dialect, q string) (string, []int, error) {
	var (
		buf   strings.Builder
		order []int
		dqTag string // active dollar-quoted tag (Postgres-like)
	)
	buf.Grow(len(q) + 8)

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if c == '#' && d == MySQL {
				state = sLC
				buf.WriteByte('#')
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '`' && (d == MySQL || d == SQLite) {
				state = sBT
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '[' && d == SQLServer {
				state = sBR
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}
				k := i + 1
				for k < len(q) && isDigit(q[k]) {
					k++
				}
				// $12abc is a name, not a marker
				if k > i+1 && (k == len(q) || !isAlphaNumUnderscore(q[k])) {
					n, err := strconv.Atoi(q[i+1 : k])
					if err != nil || n == 0 {
						return "", nil, fmt.Errorf("%w: %q", ErrBadMarker, q[i:k])
					}
					writeMarker(&buf, d, n)
					if d == MySQL {
						order = append(order, n-1)
					}
					i = k
					continue
				}
			}
			buf.WriteByte(c)
			i++

		case sSQ, sDQ:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			}
			if c == '\\' && d == MySQL {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == quote {
				if i < len(q) && q[i] == quote {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(c)
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			buf.WriteByte(c)
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				buf.WriteString(q[i:])
				i = len(q)
			} else {
				buf.WriteString(q[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String(), order, nil
}

// BindArgs arranges args for a query rewritten by Rebind.
// A nil order returns args unchanged.
func BindArgs(order []int, args []any) ([]any, error) {
	if order == nil {
		return args, nil
	}
	out := make([]any, len(order))
	for i, idx := range order {
		if idx >= len(args) {
			return nil, fmt.Errorf("%w: marker $%d with %d argument(s)", ErrBadMarker, idx+1, len(args))
		}
		out[i] = args[idx]
	}
	return out, nil
}

// writeMarker emits a dialect-specific placeholder token for argument n.
func writeMarker(b *strings.Builder, d Dialect, n int) {
	var tmp [20]byte
	num := strconv.AppendInt(tmp[:0], int64(n), 10)
	switch d {
	case Postgres:
		b.WriteByte('$')
		b.Write(num)
	case SQLite:
		b.WriteByte('?')
		b.Write(num)
	case SQLServer:
		b.WriteString("@p")
		b.Write(num)
	default: // MySQL
		b.WriteByte('?')
	}
}

// --------------------------------
// Utils
// --------------------------------

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || isDigit(b)
}

// readDollarTag detects a dollar-quoted opening tag ("$$" or "$tag$") at the
// start of s. Tags cannot start with a digit, so "$1$" is not a tag.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	if s[1] == '$' {
		return "$$", true
	}
	if !isAlphaUnderscore(s[1]) {
		return "", false
	}
	j := 2
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
