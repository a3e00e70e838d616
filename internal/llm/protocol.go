package llm

import (
	"regexp"
	"strings"
)

// Reply 是解析后的模型回复，只可能是 Answer、SkillRequest 或 Proposal 之一。
type Reply interface {
	isReply()
	// Prose 返回回复中面向用户的文字部分。
	Prose() string
}

// Answer 是直接回答用户的自然语言文本。
type Answer struct {
	Text string
}

// SkillRequest 表示模型请求把一条技能加载进上下文。
type SkillRequest struct {
	SkillID string
	Text    string
}

// Proposal 表示模型提出了一条待执行的查询语句。
type Proposal struct {
	Statement string
	Text      string
}

func (Answer) isReply()       {}
func (SkillRequest) isReply() {}
func (Proposal) isReply()     {}

func (a Answer) Prose() string       { return a.Text }
func (s SkillRequest) Prose() string { return s.Text }
func (p Proposal) Prose() string     { return p.Text }

// SkillMarker 是模型请求技能时使用的行前缀。
const SkillMarker = "LOAD_SKILL:"

var (
	fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_-]*)[ \t]*\r?\n(.*?)```")
	skillPattern = regexp.MustCompile(`(?mi)^[ \t>*_-]*LOAD_SKILL:[ \t*_]*` + "`?" + `([A-Za-z0-9_.-]+)`)
)

var statementTags = map[string]bool{
	"":           true,
	"sql":        true,
	"postgresql": true,
	"postgres":   true,
	"pgsql":      true,
	"psql":       true,
	"mysql":      true,
}

// Parse 按固定的文本约定对模型回复分类：
// 闭合且非空的 sql 代码块是 Proposal；`LOAD_SKILL: <id>` 行是 SkillRequest；
// 其余都是 Answer。同时出现时 Proposal 优先于 SkillRequest。
// allowSkills 为 false 时技能请求被当作普通回答。
func Parse(text string, allowSkills bool) Reply {
	if statement, prose, ok := extractStatement(text); ok {
		return Proposal{Statement: statement, Text: prose}
	}
	if allowSkills {
		if m := skillPattern.FindStringSubmatchIndex(text); m != nil {
			id := text[m[2]:m[3]]
			prose := strings.TrimSpace(text[:m[0]] + lineRemainder(text, m[1]))
			return SkillRequest{SkillID: strings.TrimRight(id, "."), Text: prose}
		}
	}
	return Answer{Text: strings.TrimSpace(text)}
}

// extractStatement returns the first closed, non-empty fenced block whose
// language tag marks it as SQL, plus the surrounding prose.
func extractStatement(text string) (string, string, bool) {
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		tag := strings.ToLower(text[m[2]:m[3]])
		if !statementTags[tag] {
			continue
		}
		body := strings.TrimSpace(text[m[4]:m[5]])
		if body == "" {
			continue
		}
		prose := strings.TrimSpace(strings.TrimSpace(text[:m[0]]) + "\n\n" + strings.TrimSpace(text[m[1]:]))
		return body, prose, true
	}
	return "", "", false
}

// lineRemainder returns the text after the end of the line containing pos.
func lineRemainder(text string, pos int) string {
	if idx := strings.IndexByte(text[pos:], '\n'); idx >= 0 {
		return "\n" + text[pos+idx+1:]
	}
	return ""
}
