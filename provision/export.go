package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/moisson/catalog"
)

// ExportCSV renders every row of a project collection as CSV. The header
// lists column names in storage order, unquoted. Every data value is
// double-quoted with embedded quotes doubled; NULL renders as "". An
// empty table exports as the empty string, without a header.
func (p *Provisioner) ExportCSV(ctx context.Context, proj *catalog.Project, col Collection) (string, error) {
	db, err := p.openStore(proj.StorageRef)
	if err != nil {
		return "", err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q", TableName(col)))
	if err != nil {
		return "", fmt.Errorf("provision: export %s: %w", TableName(col), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("provision: export columns: %w", err)
	}

	var lines []string
	lines = append(lines, strings.Join(columns, ","))

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("provision: export scan: %w", err)
		}

		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = csvCell(v)
		}
		lines = append(lines, strings.Join(cells, ","))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("provision: export rows: %w", err)
	}
	if len(lines) == 1 {
		return "", nil
	}

	return strings.Join(lines, "\n"), nil
}

// csvCell quotes one value. NULL becomes an empty quoted pair.
func csvCell(v any) string {
	if v == nil {
		return `""`
	}
	var s string
	switch t := v.(type) {
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		s = fmt.Sprint(t)
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
