package transform

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// ageCeilingYears is the re-identification guard: exact dates for subjects
// this old are rare enough to identify them, so the dates are discarded.
const ageCeilingYears = 90

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// wholeYears counts completed calendar years from birth to now.
func wholeYears(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}

// SafeDates de-identifies every date field: each becomes a normalized date
// plus derived <field>_year and <field>_as_age (days since birth) columns.
// Subjects at or above the age ceiling, and subjects with no parseable
// birth date, lose the date entirely with no derived values. Birth dates
// come from the first table carrying dobField.
func SafeDates(tables *models.TableSet, dateFields []string, dobField string, now time.Time, logger *zap.Logger) error {
	var dobTable *models.Table
	for _, name := range tables.Names() {
		if t := tables.Get(name); t.HasColumn(dobField) {
			dobTable = t
			break
		}
	}
	if dobTable == nil {
		return fmt.Errorf("no table contains the date of birth field %q", dobField)
	}

	dobs := make(map[string]time.Time)
	for i := 0; i < dobTable.Len(); i++ {
		if dob, ok := parseDate(dobTable.Get(i, dobField)); ok {
			dobs[dobTable.Get(i, "subject")] = dob
		}
	}

	for _, name := range tables.Names() {
		t := tables.Get(name)
		for _, field := range dateFields {
			if !t.HasColumn(field) {
				continue
			}
			yearCol := field + "_year"
			ageCol := field + "_as_age"
			t.AddColumn(yearCol)
			t.AddColumn(ageCol)

			for i := 0; i < t.Len(); i++ {
				dob, knownDOB := dobs[t.Get(i, "subject")]
				date, parsed := parseDate(t.Get(i, field))
				if !parsed || !knownDOB || wholeYears(dob, now) >= ageCeilingYears {
					t.Set(i, field, "")
					t.Set(i, yearCol, "")
					t.Set(i, ageCol, "")
					continue
				}
				t.Set(i, field, date.Format("2006-01-02"))
				t.Set(i, yearCol, strconv.Itoa(date.Year()))
				t.Set(i, ageCol, strconv.Itoa(int(date.Sub(dob).Hours()/24)))
			}
		}
	}

	logger.Info("De-identified date fields",
		zap.Int("date_field_count", len(dateFields)),
		zap.Int("subjects_with_dob", len(dobs)),
	)
	return nil
}
