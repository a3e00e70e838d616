package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	xerrors "sqlassist/internal/errors"
	"sqlassist/pkg/logger"
)

const (
	descriptionFile = "description.txt"
	contentFile     = "content.md"
)

// Provider 定义技能检索的通用接口。
type Provider interface {
	DescribeAll() []Summary
	Load(id string) (string, error)
}

// Summary 是始终对模型可见的技能简介。
type Summary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Skill 是一条完整的技能记录。
type Skill struct {
	ID          string
	Description string
	Content     string
}

// Store 是启动时加载、此后只读的技能注册表。
type Store struct {
	order  []string
	skills map[string]Skill
}

// NewStore 直接由技能列表构造注册表，重复 ID 以后出现者为准。
func NewStore(items ...Skill) *Store {
	s := &Store{skills: make(map[string]Skill, len(items))}
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		item.ID = id
		if _, exists := s.skills[id]; !exists {
			s.order = append(s.order, id)
		}
		s.skills[id] = item
	}
	sort.Strings(s.order)
	return s
}

// OpenDir 从磁盘目录加载技能。
func OpenDir(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("技能目录不能为空")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("读取技能目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("技能路径不是目录: %s", dir)
	}
	return Open(os.DirFS(dir))
}

// Open 从任意文件系统的根目录加载技能。每个子目录是一条技能，目录名即 ID；
// 以 "." 或 "__" 开头的目录会被忽略，缺少描述或正文的目录会被跳过。
func Open(fsys fs.FS) (*Store, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("列出技能目录失败: %w", err)
	}

	log := logger.Named("skills")
	var items []Skill
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
			continue
		}
		description, err := readTrimmed(fsys, path.Join(name, descriptionFile))
		if err != nil {
			log.Warn("skipping skill without description", "skill", name, "error", err)
			continue
		}
		content, err := readTrimmed(fsys, path.Join(name, contentFile))
		if err != nil {
			log.Warn("skipping skill without content", "skill", name, "error", err)
			continue
		}
		items = append(items, Skill{ID: name, Description: description, Content: content})
	}

	store := NewStore(items...)
	log.Info("skills loaded", "count", len(store.order), "ids", store.order)
	return store, nil
}

func readTrimmed(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%s is empty", name)
	}
	return text, nil
}

// DescribeAll 按 ID 字典序返回所有技能简介。
func (s *Store) DescribeAll() []Summary {
	if s == nil {
		return nil
	}
	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, Summary{ID: id, Description: s.skills[id].Description})
	}
	return out
}

// Load 返回技能正文，未知 ID 返回 SKILL_NOT_FOUND。
func (s *Store) Load(id string) (string, error) {
	if s != nil {
		if skill, ok := s.skills[strings.TrimSpace(id)]; ok {
			return skill.Content, nil
		}
	}
	return "", xerrors.New(xerrors.CodeSkillNotFound, fmt.Sprintf("技能不存在: %s", id),
		xerrors.WithMetadata("skill", id))
}

// Len 返回技能数量。
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

var _ Provider = (*Store)(nil)
