// Package splitter 将临床文档的纯文本确定性地切分为带重叠的有界分块。
// 同样的输入与配置永远产生同样的分块序列，这是可复现重建索引的前提。
package splitter

import (
	"regexp"
	"strings"
)

const charsPerToken = 4 // 默认按约 4 字符 = 1 token 估算

// Config 配置切分行为。
type Config struct {
	ChunkSize    int              // 单个分块的 token 上限
	ChunkOverlap int              // 相邻分块间的重叠字符数
	LengthFn     func(string) int // 可插拔的长度函数，默认按 charsPerToken 估算
}

// Chunk 是切分产出的单个分块及其注解。
type Chunk struct {
	Content       string
	Index         int
	TokenCount    int
	Section       string   // 最近的前置章节标题
	Keywords      []string // 命中的临床关键词
	HasStructured bool     // 是否包含表格/列表等结构化内容
}

// Splitter 按优先级递归下降的分隔符列表切分文本：
// 章节标记 → 段落分隔 → 换行 → 空格 → 字符硬切，
// 只有当候选片段仍超过 ChunkSize 时才下降到更细的分隔符。
type Splitter struct {
	cfg      Config
	lengthFn func(string) int
}

// 分隔符优先级，空串表示字符级硬切兜底
var separators = []string{"\n\n", "\n", " ", ""}

// 章节标题：markdown 标题或临床文档常见的全大写章节行（如 "CHIEF COMPLAINT:"）
var sectionHeadingRe = regexp.MustCompile(`(?m)^(#{1,6}[ \t]+\S.*|[A-Z][A-Z0-9 /&'\-]{2,}:?)[ \t]*$`)

// 结构化内容：列表项、表格行、编号条目
var structuredRe = regexp.MustCompile(`(?m)^[ \t]*([-*][ \t]+\S|\d+[.)][ \t]+\S|\|.*\|)`)

// 临床领域关键词（小写匹配）
var clinicalKeywords = []string{
	"diagnosis", "assessment", "plan", "medication", "prescribed", "dosage",
	"allergy", "allergies", "symptom", "chief complaint", "hypertension",
	"diabetes", "blood pressure", "heart rate", "laboratory", "hemoglobin",
	"discharge", "follow-up", "contraindication", "adverse reaction",
}

// New 创建一个切分器，配置非法时回退到默认值。
func New(cfg Config) *Splitter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	lengthFn := cfg.LengthFn
	if lengthFn == nil {
		lengthFn = EstimateTokens
	}
	return &Splitter{cfg: cfg, lengthFn: lengthFn}
}

// EstimateTokens 是默认长度函数：按约 4 字符 = 1 token 向上取整。
func EstimateTokens(text string) int {
	runeCount := len([]rune(text))
	if runeCount == 0 {
		return 0
	}
	return (runeCount + charsPerToken - 1) / charsPerToken
}

// Split 将文本切分为有序分块。空白输入产出零个分块。
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// 预算中扣除 overlap 前缀占用的 token，保证加前缀后仍不超 ChunkSize
	budget := s.cfg.ChunkSize - s.cfg.ChunkOverlap/charsPerToken
	if budget < 1 {
		budget = 1
	}

	pieces := s.recursiveSplit(text, sectionSegments(text), budget)

	// 逐块计算在原文中的起始偏移，供章节归属判断使用；
	// pieces 无损拼接回原文，偏移即前缀长度累加。
	headings := headingPositions(text)
	chunks := make([]Chunk, 0, len(pieces))
	offset := 0
	for i, piece := range pieces {
		content := piece
		if i > 0 && s.cfg.ChunkOverlap > 0 {
			content = overlapTail(pieces[i-1], s.cfg.ChunkOverlap) + piece
		}
		chunks = append(chunks, Chunk{
			Content:       content,
			Index:         i,
			TokenCount:    s.lengthFn(content),
			Section:       nearestSection(headings, offset),
			Keywords:      matchKeywords(content),
			HasStructured: structuredRe.MatchString(content),
		})
		offset += len(piece)
	}
	return chunks
}

// recursiveSplit 在给定的片段序列上做贪心合并，超限片段下降到下一级分隔符。
// segments 的无损拼接必须等于原文本。
func (s *Splitter) recursiveSplit(text string, segments []string, budget int) []string {
	if s.lengthFn(text) <= budget {
		return []string{text}
	}
	return s.splitSegments(segments, 0, budget)
}

func (s *Splitter) splitSegments(segments []string, sepLevel, budget int) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, seg := range segments {
		if s.lengthFn(seg) > budget {
			// 片段本身超限：先落盘累积内容，再下降到更细的分隔符
			flush()
			out = append(out, s.descend(seg, sepLevel, budget)...)
			continue
		}
		if current.Len() > 0 && s.lengthFn(current.String()+seg) > budget {
			flush()
		}
		current.WriteString(seg)
	}
	flush()
	return out
}

// descend 用下一级分隔符拆分超限片段。
func (s *Splitter) descend(text string, sepLevel, budget int) []string {
	for level := sepLevel; level < len(separators); level++ {
		sep := separators[level]
		if sep == "" {
			break
		}
		parts := splitKeepSep(text, sep)
		if len(parts) > 1 {
			return s.splitSegments(parts, level+1, budget)
		}
	}
	// 无更细分隔符可用：按字符步长硬切
	return hardSplit(text, budget*charsPerToken)
}

// splitKeepSep 按分隔符切分且把分隔符保留在片段尾部，保证无损拼接。
func splitKeepSep(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	// SplitAfter 在文本以 sep 结尾时会产生一个空尾片段
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// hardSplit 按固定字符步长硬切，处理没有任何分隔符的超长文本。
func hardSplit(text string, stride int) []string {
	if stride < 1 {
		stride = 1
	}
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += stride {
		end := i + stride
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// overlapTail 取前一分块尾部的 overlap 个字符作为重叠前缀。
func overlapTail(prev string, overlap int) string {
	runes := []rune(prev)
	if len(runes) <= overlap {
		return prev
	}
	return string(runes[len(runes)-overlap:])
}

// sectionSegments 按章节标题行切分全文，标题行归属其后的片段。
func sectionSegments(text string) []string {
	locs := sectionHeadingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var segments []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			segments = append(segments, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	segments = append(segments, text[prev:])
	return segments
}

type headingPos struct {
	offset int
	title  string
}

func headingPositions(text string) []headingPos {
	locs := sectionHeadingRe.FindAllStringIndex(text, -1)
	positions := make([]headingPos, 0, len(locs))
	for _, loc := range locs {
		title := strings.TrimSpace(text[loc[0]:loc[1]])
		title = strings.TrimLeft(title, "# ")
		title = strings.TrimRight(title, ":")
		positions = append(positions, headingPos{offset: loc[0], title: title})
	}
	return positions
}

// nearestSection 返回 offset 之前（含）最近的章节标题。
func nearestSection(headings []headingPos, offset int) string {
	section := ""
	for _, h := range headings {
		if h.offset > offset {
			break
		}
		section = h.title
	}
	return section
}

func matchKeywords(content string) []string {
	lower := strings.ToLower(content)
	var matched []string
	for _, kw := range clinicalKeywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}
