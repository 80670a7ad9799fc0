package lyrics

import (
	"math"

	"github.com/samber/lo"
)

// Resolve 按顺序扫描，返回第一个满足 Start <= timeMs < End 的行。
// 时间早于第一行（或没有歌词）时为 0；超过最后一行开始时间且没有命中时固定在最后一行。
func Resolve(lines []Line, timeMs int64) Cursor {
	if len(lines) == 0 {
		return Cursor{}
	}

	index := 0
	matched := false
	for i := range lines {
		if lines[i].Start <= timeMs && timeMs < lines[i].End {
			index = i
			matched = true
			break
		}
	}

	last := len(lines) - 1
	if !matched && timeMs >= lines[last].Start {
		index = last
	}

	return Cursor{
		LineIndex:    index,
		LineProgress: Progress(lines[index], timeMs),
	}
}

// Progress 行内进度，范围 [0,1]，起止相同的行恒为 0
func Progress(line Line, timeMs int64) float64 {
	span := line.End - line.Start
	if span <= 0 {
		return 0
	}
	return clamp01(float64(timeMs-line.Start) / float64(span))
}

// WordStates 每个词独立判断，不依赖上一次的结果
func WordStates(line Line, timeMs int64) []WordState {
	return lo.Map(line.Words, func(w Word, _ int) WordState {
		switch {
		case timeMs >= w.End:
			return WordDone
		case timeMs >= w.Start:
			return WordCurrent
		default:
			return WordPending
		}
	})
}

// SeekTarget 把进度条上的点击位置换算成目标播放位置
func SeekTarget(fraction float64, durationMs int64) int64 {
	if durationMs <= 0 {
		return 0
	}
	return int64(math.Floor(clamp01(fraction) * float64(durationMs)))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return lo.Clamp(v, 0, 1)
}
