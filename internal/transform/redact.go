package transform

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// RedactedPlaceholder replaces every cell of a redacted field. The column
// survives so the warehouse schema still shows the field existed.
const RedactedPlaceholder = "[Could contain PHI]"

// Redact blanks every listed field in every table that carries it and
// returns the audit lines, sorted so reruns produce identical logs.
func Redact(tables *models.TableSet, fields map[string]bool, logger *zap.Logger) []string {
	var lines []string
	for _, name := range tables.Names() {
		t := tables.Get(name)
		for field := range fields {
			if !t.HasColumn(field) {
				continue
			}
			for i := 0; i < t.Len(); i++ {
				t.Set(i, field, RedactedPlaceholder)
			}
			lines = append(lines, fmt.Sprintf("Redacting %s.%s", name, field))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		logger.Info(line)
	}
	return lines
}
