package llm

import "testing"

func TestParseClassifiesReplies(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		allowSkills bool
		want        Reply
	}{
		{
			name: "plain answer",
			text: "  There are four customer tiers.  ",
			want: Answer{Text: "There are four customer tiers."},
		},
		{
			name: "sql fence",
			text: "Here is the query:\n```sql\nSELECT 1;\n```\nIt returns one row.",
			want: Proposal{Statement: "SELECT 1;", Text: "Here is the query:\n\nIt returns one row."},
		},
		{
			name: "untagged fence",
			text: "```\nSELECT name FROM customers\n```",
			want: Proposal{Statement: "SELECT name FROM customers"},
		},
		{
			name: "uppercase postgresql tag",
			text: "```PostgreSQL\nSELECT now()\n```",
			want: Proposal{Statement: "SELECT now()"},
		},
		{
			name: "foreign language fence is prose",
			text: "Run this:\n```python\nprint('hi')\n```",
			want: Answer{Text: "Run this:\n```python\nprint('hi')\n```"},
		},
		{
			name: "unclosed fence is prose",
			text: "```sql\nSELECT * FROM orders",
			want: Answer{Text: "```sql\nSELECT * FROM orders"},
		},
		{
			name: "empty fence is prose",
			text: "```sql\n   \n```",
			want: Answer{Text: "```sql\n   \n```"},
		},
		{
			name: "foreign fence then sql fence",
			text: "```bash\nls\n```\n```sql\nSELECT 2\n```",
			want: Proposal{Statement: "SELECT 2", Text: "```bash\nls\n```"},
		},
		{
			name:        "skill request",
			text:        "I need the schema first.\nLOAD_SKILL: sales_analytics",
			allowSkills: true,
			want:        SkillRequest{SkillID: "sales_analytics", Text: "I need the schema first."},
		},
		{
			name:        "skill request with formatting",
			text:        "**LOAD_SKILL:** `inventory_management`",
			allowSkills: true,
			want:        SkillRequest{SkillID: "inventory_management"},
		},
		{
			name:        "lowercase marker",
			text:        "load_skill: inventory_management.",
			allowSkills: true,
			want:        SkillRequest{SkillID: "inventory_management"},
		},
		{
			name:        "skill requests disallowed",
			text:        "LOAD_SKILL: sales_analytics",
			allowSkills: false,
			want:        Answer{Text: "LOAD_SKILL: sales_analytics"},
		},
		{
			name:        "proposal wins over skill marker",
			text:        "LOAD_SKILL: sales_analytics\n```sql\nSELECT 3\n```",
			allowSkills: true,
			want:        Proposal{Statement: "SELECT 3", Text: "LOAD_SKILL: sales_analytics"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text, tt.allowSkills)
			if got != tt.want {
				t.Fatalf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}
