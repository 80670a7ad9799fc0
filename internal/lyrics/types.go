package lyrics

// fallbackTailMs 最后一行（或无时间轴文本）的默认持续时间
const fallbackTailMs = 5000

// Word 行内逐字时间轴
type Word struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Text  string `json:"text"`
}

// Line 一行歌词，Start 包含，End 不包含
type Line struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Text  string `json:"text"`
	Words []Word `json:"words,omitempty"`
}

// Track 一首歌解析后的完整歌词，生成后不再修改
type Track struct {
	Lines []Line `json:"lines"`
	// Synced 为 false 表示原文没有任何时间标签，只有一行静态文本
	Synced bool `json:"synced"`
	// OffsetMs 来自 [offset:] 标签，仅供参考，不会自动应用
	OffsetMs int64 `json:"offset_ms,omitempty"`
}

// Empty 是否没有任何歌词行
func (t *Track) Empty() bool {
	return t == nil || len(t.Lines) == 0
}

// Resolve 计算 timeMs 时刻的光标
func (t *Track) Resolve(timeMs int64) Cursor {
	if t == nil {
		return Cursor{}
	}
	return Resolve(t.Lines, timeMs)
}

// Cursor 当前行以及行内进度
type Cursor struct {
	LineIndex    int     `json:"line_index"`
	LineProgress float64 `json:"line_progress"`
}

// WordState 单个词的高亮状态
type WordState int

const (
	WordPending WordState = iota
	WordCurrent
	WordDone
)

func (s WordState) String() string {
	switch s {
	case WordCurrent:
		return "current"
	case WordDone:
		return "done"
	default:
		return "pending"
	}
}

// MarshalText 以字符串形式输出，方便前端直接使用
func (s WordState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
