// Package pipingbag is a small SQL statement preprocessor and result binder. You write plain SQL with $named placeholders; pipingbag classifies the statement (select, insert, update, delete, and their batch forms), numbers the placeholders positionally, expands "x IN $ids" into a literal integer list, qualifies table references with a schema, dispatches through a minimal Database interface and decodes the rows into the declared result type: a scalar, a struct or map, a pointer for optional results, or a slice of any of these.
package pipingbag
