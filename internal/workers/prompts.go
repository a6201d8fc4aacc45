package workers

import (
	"fmt"
	"sort"
	"strings"
)

const maxPromptField = 4000

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxPromptField {
		return s[:maxPromptField]
	}
	return s
}

func evaluationPrompt(question, reference, answer string) string {
	return "You are grading a job interview answer. Compare the candidate's answer with the reference answer.\n" +
		`Return ONLY a JSON object with EXACT keys: "score" (integer 0-100), "feedback" (string), ` +
		`"strengths" (array of strings), "weaknesses" (array of strings). No other keys, no explanations.` +
		"\n\nQuestion:\n" + clip(question) +
		"\n\nReference answer:\n" + clip(reference) +
		"\n\nCandidate answer (speech transcript):\n" + clip(answer)
}

func emotionPrompt(dominant string, confidence float64, distribution map[string]int, samples int) string {
	labels := make([]string, 0, len(distribution))
	for l := range distribution {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	var sb strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&sb, "- %s: %d frames\n", l, distribution[l])
	}
	return "You are an interview coach reviewing the candidate's facial expressions over a mock interview.\n" +
		fmt.Sprintf("Frames analysed: %d. Dominant emotion: %s (peak confidence %.2f).\n", samples, dominant, confidence) +
		"Distribution:\n" + sb.String() +
		`Return ONLY a JSON object with EXACT keys: "perception" (string, how an interviewer would perceive the candidate) ` +
		`and "recommendation" (string, one concrete improvement). No other keys.`
}

func questionsPrompt(cv, job string, count int) string {
	return fmt.Sprintf("Write %d interview questions for this candidate and role, each with a model answer.\n", count) +
		`Return ONLY a JSON array of objects with EXACT keys: "question" (string), "answer" (string), ` +
		`"difficulty" ("easy", "medium" or "hard"), "topic" (string).` +
		"\n\nCV:\n" + clip(cv) +
		"\n\nJob description:\n" + clip(job)
}
