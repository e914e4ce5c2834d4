package storage

import (
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "statement with semicolon in string",
			sql:  "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestMigrationHistory(t *testing.T) {
	if len(migrations) == 0 {
		t.Fatal("no migrations defined")
	}

	// Versions are contiguous starting at 1.
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration[%d].Version = %d, want %d", i, m.Version, i+1)
		}
		if m.Name == "" {
			t.Errorf("migration %d has no name", m.Version)
		}
		if len(splitStatements(m.SQL)) == 0 {
			t.Errorf("migration %d has no statements", m.Version)
		}
	}
}
