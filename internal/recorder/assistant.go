package recorder

import (
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/pkg/voice"
)

// AssistantFunc builds the examiner configuration for a new call.
type AssistantFunc func(mode grading.Mode, topic string) (voice.AssistantConfig, voice.Overrides)

const examinerBase = "You are a certified IELTS speaking examiner conducting a live mock test. " +
	"Speak naturally and at a moderate pace. Ask one question at a time and wait for the candidate to answer. " +
	"Never give feedback, scores or corrections during the test. The topic for today is: {{topic}}. "

var examinerByMode = map[grading.Mode]string{
	grading.ModeFull: "Run all three parts in order. Part 1: introduce yourself, check the candidate's name, " +
		"then ask familiar questions for about four minutes. Part 2: give a cue card on the topic and say " +
		"\"You have one minute to prepare\", then let the candidate talk for up to two minutes. Part 3: hold a " +
		"deeper discussion related to the Part 2 topic.",
	grading.ModePart1: "Run Part 1 only: introduce yourself, check the candidate's name, then ask short " +
		"questions about familiar topics.",
	grading.ModePart2: "Run Part 2 only: read out a cue card on the topic, then say \"You have one minute " +
		"to prepare\" and stay silent until the candidate starts speaking. Let them talk for up to two " +
		"minutes and ask one or two rounding-off questions.",
	grading.ModePart3: "Run Part 3 only: hold a discussion of abstract questions related to the topic and " +
		"ask the candidate to justify and expand on their opinions.",
}

const examinerClosing = " When the test is over, say exactly: \"That concludes our IELTS speaking test.\""

// DefaultAssistant returns the built-in examiner persona for mode.
func DefaultAssistant(mode grading.Mode, topic string) (voice.AssistantConfig, voice.Overrides) {
	if topic == "" {
		topic = "everyday life"
	}
	cfg := voice.AssistantConfig{
		Instructions: examinerBase + examinerByMode[mode] + examinerClosing,
		Greeting:     "Greet the candidate and begin the test.",
	}
	return cfg, voice.Overrides{Variables: map[string]string{
		"topic": topic,
		"mode":  string(mode),
	}}
}
