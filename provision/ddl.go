package provision

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/moisson/rawstore"
)

// columnType maps a declared field type to its SQL column type.
func columnType(t FieldType) string {
	switch t {
	case TypeNumber:
		return "NUMERIC"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	default:
		// text, image, url and anything unrecognised.
		return "TEXT"
	}
}

// formatDefault renders a declared default value as a SQL literal.
// Booleans become TRUE/FALSE, numbers pass through as-is, the
// CURRENT_DATE keyword stays unquoted, everything else is quoted.
func formatDefault(f Field) string {
	switch f.Type {
	case TypeBoolean:
		if strings.EqualFold(f.DefaultValue, "true") {
			return "TRUE"
		}
		return "FALSE"
	case TypeNumber:
		return f.DefaultValue
	case TypeDate:
		if strings.EqualFold(f.DefaultValue, "CURRENT_DATE") {
			return "CURRENT_DATE"
		}
		return "'" + strings.ReplaceAll(f.DefaultValue, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(f.DefaultValue, "'", "''") + "'"
	}
}

// generatedDefault reports whether a default value produces its own
// unique key, making a secondary index on the row key redundant.
func generatedDefault(f Field) bool {
	v := strings.ToUpper(strings.TrimSpace(f.DefaultValue))
	return strings.Contains(v, "(") || strings.HasPrefix(v, "CURRENT_")
}

// TableName derives the physical table name for a collection.
func TableName(c Collection) string {
	return rawstore.Sanitize(c.Name)
}

// createTableSQL renders the idempotent DDL for one collection.
func createTableSQL(c Collection) string {
	var cols []string
	for _, f := range c.Fields {
		col := fmt.Sprintf("%q %s", rawstore.Sanitize(f.Name), columnType(f.Type))
		if f.Name == c.PrimaryField {
			col += " PRIMARY KEY"
		}
		if f.Required {
			col += " NOT NULL"
		}
		if f.DefaultValue != "" {
			col += " DEFAULT " + formatDefault(f)
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (\n\t%s\n)",
		TableName(c), strings.Join(cols, ",\n\t"))
}

// createIndexSQL renders the secondary index on the row-key column, or
// "" when the key is generated and an extra index buys nothing.
func createIndexSQL(c Collection) string {
	for _, f := range c.Fields {
		if f.Name != c.PrimaryField {
			continue
		}
		if generatedDefault(f) {
			return ""
		}
	}
	table := TableName(c)
	key := rawstore.Sanitize(c.PrimaryField)
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%q)",
		"idx_"+table+"_"+key, table, key)
}

// insertSQL renders a parameterized INSERT OR IGNORE for the given
// columns, in order.
func insertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT OR IGNORE INTO %q (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
}
