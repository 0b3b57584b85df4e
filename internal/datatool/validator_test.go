package datatool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryValidator_RejectsEmpty(t *testing.T) {
	v := NewQueryValidator()

	assert.Error(t, v.Validate(""))
	assert.Error(t, v.Validate("   \n\t  "))
}

func TestQueryValidator_AcceptsReadOnlyKeywords(t *testing.T) {
	v := NewQueryValidator()

	cases := []string{
		"SELECT * FROM flights WHERE from_airport='SFO'",
		"  select 1",
		"Show tables",
		"EXPLAIN SELECT * FROM flights",
		"with recent as (select * from flights) select * from recent",
		"PRAGMA table_info(flights)",
	}

	for _, stmt := range cases {
		assert.NoError(t, v.Validate(stmt), "expected %q to validate", stmt)
	}
}

func TestQueryValidator_RejectsWriteStatements(t *testing.T) {
	v := NewQueryValidator()

	cases := []string{
		"DELETE FROM flights",
		"DROP TABLE flights",
		"UPDATE flights SET price = 0",
		"INSERT INTO flights VALUES (1)",
		"ATTACH DATABASE 'evil.db' AS evil",
	}

	for _, stmt := range cases {
		assert.Error(t, v.Validate(stmt), "expected %q to be rejected", stmt)
	}
}

func TestFirstStatement_TruncatesAtSemicolon(t *testing.T) {
	got := FirstStatement("SELECT * FROM flights; DELETE FROM flights")
	assert.Equal(t, "SELECT * FROM flights", got)
}

func TestFirstStatement_NoDelimiterReturnsTrimmedInput(t *testing.T) {
	got := FirstStatement("  select 1  ")
	assert.Equal(t, "select 1", got)
}
