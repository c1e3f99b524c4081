package mood

import (
	"math"
	"strings"
)

// Label 表示用户消息的情绪标签。
type Label string

const (
	Neutral Label = "neutral"
	Calm    Label = "calm"
	Happy   Label = "happy"
	Sad     Label = "sad"
	Anxious Label = "anxious"
	Angry   Label = "angry"
)

// Labels lists every label in a stable order.
var Labels = []Label{Neutral, Calm, Happy, Sad, Anxious, Angry}

// Decision 给出情绪识别结果以及强度（1~5）。
type Decision struct {
	Label     Label   `json:"label"`
	Score     int     `json:"score"`
	Intensity float32 `json:"intensity"`
}

var keywordBuckets = map[Label][]string{
	Happy: {
		"happy", "glad", "great", "awesome", "amazing", "excited", "grateful", "thankful", "thanks",
		"thank you", "love", "wonderful", "proud", "joy", "good news", "开心", "高兴", "快乐",
	},
	Sad: {
		"sad", "down", "depressed", "lonely", "alone", "cry", "crying", "hopeless", "empty", "miss",
		"grief", "lost", "hurt", "tired of", "worthless", "unhappy", "难过", "伤心", "孤单",
	},
	Anxious: {
		"anxious", "anxiety", "worried", "worry", "nervous", "panic", "scared", "afraid", "overwhelmed",
		"stress", "stressed", "can't sleep", "cannot sleep", "insomnia", "racing thoughts", "on edge",
		"焦虑", "紧张", "害怕", "担心",
	},
	Angry: {
		"angry", "furious", "mad", "annoyed", "frustrated", "irritated", "hate", "rage", "fed up",
		"sick of", "生气", "愤怒", "烦死",
	},
	Calm: {
		"calm", "relaxed", "peaceful", "better now", "at ease", "rested", "okay now", "breathing",
		"meditat", "平静", "放松",
	},
}

// intensifiers raise the score of whatever label wins.
var intensifiers = []string{"very", "really", "so ", "extremely", "too much", "always", "never", "非常", "特别"}

// Analyze 根据用户消息推断情绪。没有明显信号时返回 Neutral。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Label: Neutral, Intensity: 1}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	// 否定形式如 "not happy" 归入低落。
	if strings.Contains(normalized, "not happy") || strings.Contains(normalized, "not okay") || strings.Contains(normalized, "not ok") {
		scores[Happy] = 0
		scores[Sad] += 3
	}

	best := Neutral
	bestScore := 0
	for _, label := range Labels {
		if s := scores[label]; s > bestScore {
			best, bestScore = label, s
		}
	}
	if bestScore == 0 {
		return Decision{Label: Neutral, Intensity: 1}
	}

	for _, word := range intensifiers {
		if strings.Contains(normalized, word) {
			bestScore++
		}
	}
	if strings.Count(text, "!") > 1 && best != Calm {
		bestScore++
	}

	intensity := 1 + float32(bestScore)/3
	intensity = float32(math.Min(5, float64(intensity)))
	return Decision{Label: best, Score: bestScore, Intensity: intensity}
}

// Concerning reports labels that call for a gentler, more supportive reply.
func (d Decision) Concerning() bool {
	return d.Label == Sad || d.Label == Anxious || d.Label == Angry
}

// ParseLabel maps free-form classifier output onto a Label.
func ParseLabel(raw string) (Label, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, label := range Labels {
		if normalized == string(label) {
			return label, true
		}
	}
	switch normalized {
	case "positive":
		return Happy, true
	case "negative":
		return Sad, true
	case "fear", "fearful", "worried":
		return Anxious, true
	}
	return "", false
}
