package lyrics

import (
	"bufio"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// 行首时间标签 [mm:ss] / [mm:ss.xx]，一行可以连续出现多个
	lineTagRe = regexp.MustCompile(`^\[(\d+):(\d+)(?:\.(\d+))?\]`)
	// 行内逐字标签：<mm:ss.xx> 为绝对时间，<s.xx> 为相对行首的偏移
	wordTagRe   = regexp.MustCompile(`<(?:(\d+):(\d+)(?:\.(\d+))?|(\d+(?:\.\d+)?))>([^<]+)`)
	inlineTagRe = regexp.MustCompile(`<[^>]+>`)
	offsetTagRe = regexp.MustCompile(`^\[offset:\s*([+-]?\d+)\s*\]`)
)

type rawLine struct {
	t    int64
	text string
}

// Parse 解析 LRC（含增强型逐字标签）文本。
// 没有任何时间标签时退化为一行 0~5000ms 的静态文本，永远不会返回错误。
func Parse(raw string) *Track {
	var (
		pairs    []rawLine
		offsetMs int64
	)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		row := strings.TrimLeft(scanner.Text(), " \t\ufeff")

		if m := offsetTagRe.FindStringSubmatch(row); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				offsetMs = v
			}
			continue
		}

		var stamps []int64
		for {
			m := lineTagRe.FindStringSubmatch(row)
			if m == nil {
				break
			}
			if ts, ok := tagMillis(m[1], m[2], m[3]); ok {
				stamps = append(stamps, ts)
			}
			row = row[len(m[0]):]
		}
		// 同一行的多个时间标签各自成行，共享同一段文本
		for _, ts := range stamps {
			pairs = append(pairs, rawLine{t: ts, text: row})
		}
	}

	if len(pairs) == 0 {
		text := strings.TrimSpace(raw)
		if text == "" {
			return &Track{}
		}
		return &Track{Lines: []Line{{Start: 0, End: fallbackTailMs, Text: text}}}
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].t < pairs[j].t })

	lines := make([]Line, 0, len(pairs))
	for i, cur := range pairs {
		start := cur.t
		end := start + fallbackTailMs
		if i+1 < len(pairs) {
			end = pairs[i+1].t
		}
		lines = append(lines, Line{
			Start: start,
			End:   end,
			Text:  strings.TrimSpace(inlineTagRe.ReplaceAllString(cur.text, "")),
			Words: parseWords(cur.text, start, end),
		})
	}

	return &Track{Lines: lines, Synced: true, OffsetMs: offsetMs}
}

func parseWords(payload string, lineStart, lineEnd int64) []Word {
	var words []Word
	for _, m := range wordTagRe.FindAllStringSubmatch(payload, -1) {
		text := strings.TrimSpace(m[5])
		if text == "" {
			continue
		}

		var start int64
		switch {
		case m[1] != "" && m[2] != "":
			ts, ok := tagMillis(m[1], m[2], m[3])
			if !ok {
				continue
			}
			start = ts
		case m[4] != "":
			sec, err := strconv.ParseFloat(m[4], 64)
			if err != nil {
				continue
			}
			start = lineStart + int64(math.Round(sec*1000))
		default:
			continue
		}
		words = append(words, Word{Start: start, Text: text})
	}

	if len(words) == 0 {
		return nil
	}

	sort.SliceStable(words, func(i, j int) bool { return words[i].Start < words[j].Start })
	for i := range words {
		if i+1 < len(words) {
			words[i].End = words[i+1].Start
		} else {
			words[i].End = lineEnd
		}
		if words[i].End <= words[i].Start {
			words[i].End = words[i].Start + 1
		}
	}
	return words
}

// tagMillis 把 mm、ss、小数部分换算成毫秒。
// 小数部分先截断到 3 位再右侧补零，".5" 即 500ms。
func tagMillis(mm, ss, frac string) (int64, bool) {
	minutes, err := strconv.ParseInt(mm, 10, 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return 0, false
	}

	var ms int64
	if frac != "" {
		if len(frac) > 3 {
			frac = frac[:3]
		}
		frac += strings.Repeat("0", 3-len(frac))
		ms, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
	}
	return minutes*60000 + seconds*1000 + ms, true
}
